package transfer

import (
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

// CreatePublish is the intake request. One record is created per target
// account. AccountID with AccountType is the single target form.
type CreatePublish struct {
	FlowID      string     `json:"flowId"`
	AccountID   int64      `json:"accountId,omitempty"`
	AccountType string     `json:"accountType,omitempty"`
	AccountIDs  []int64    `json:"accountIds,omitempty"`
	Type        string     `json:"type"`
	Category    string     `json:"category"`
	Title       string     `json:"title"`
	Desc        string     `json:"desc"`
	Topics      []string   `json:"topics"`
	VideoURL    string     `json:"videoUrl"`
	CoverURL    string     `json:"coverUrl"`
	ImgURLList  []string   `json:"imgUrlList"`
	PublishTime *time.Time `json:"publishTime"`
}

type PublishResponse struct {
	FlowID  string                  `json:"flowId"`
	Status  models.PublishStatus    `json:"status"`
	Records []*models.PublishRecord `json:"records"`
	// ScheduledJobID is set when the request was deferred to the scheduler.
	ScheduledJobID int64 `json:"scheduledJobId,omitempty"`
}

type MediaUploadResponse struct {
	URL         string `json:"url"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Targets returns the distinct account ids in request order.
func (r *CreatePublish) Targets() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(r.AccountID)
	for _, id := range r.AccountIDs {
		add(id)
	}
	return ids
}
