package models

import (
	"time"

	"github.com/lib/pq"
)

type PublishStatus string

const (
	StatusUnpublished    PublishStatus = "unpublished"
	StatusQueued         PublishStatus = "queued"
	StatusInProgress     PublishStatus = "in_progress"
	StatusReleased       PublishStatus = "released"
	StatusFail           PublishStatus = "fail"
	StatusPartialSuccess PublishStatus = "partial_success" // aggregate only, never stored on a record
)

func (s PublishStatus) Terminal() bool {
	return s == StatusReleased || s == StatusFail
}

// Dispatchable statuses may move to in_progress.
var Dispatchable = []PublishStatus{StatusUnpublished, StatusQueued}

const (
	ContentVideo   = "video"
	ContentImage   = "image"
	ContentArticle = "article"
)

// Instagram categories. Empty means the default feed post.
const (
	CategoryPost  = "post"
	CategoryReel  = "reel"
	CategoryStory = "story"
)

const (
	PlatformYoutube   = "youtube"
	PlatformInstagram = "instagram"
	PlatformTiktok    = "tiktok"
)

// PublishRecord is one (request x target account) publish attempt.
type PublishRecord struct {
	ID          int64          `db:"id" json:"id"`
	FlowID      string         `db:"flow_id" json:"flow_id"`
	UserID      int64          `db:"user_id" json:"user_id"`
	AccountID   int64          `db:"account_id" json:"account_id"`
	Platform    string         `db:"platform" json:"account_type"`
	ContentType string         `db:"content_type" json:"type"`
	Category    string         `db:"category" json:"category,omitempty"`
	Title       string         `db:"title" json:"title"`
	Description string         `db:"description" json:"desc"`
	Topics      pq.StringArray `db:"topics" json:"topics"`
	VideoURL    string         `db:"video_url" json:"video_url,omitempty"`
	CoverURL    string         `db:"cover_url" json:"cover_url,omitempty"`
	ImageURLs   pq.StringArray `db:"image_urls" json:"img_url_list,omitempty"`
	PublishTime time.Time      `db:"publish_time" json:"publish_time"`
	Status      PublishStatus  `db:"status" json:"status"`
	DataID      string         `db:"data_id" json:"data_id,omitempty"`
	WorkLink    string         `db:"work_link" json:"work_link,omitempty"`
	ErrorMsg    string         `db:"error_msg" json:"error_msg,omitempty"`
	ErrorCode   int            `db:"error_code" json:"error_code"`
	Attempts    int            `db:"attempts" json:"attempts"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Outcome is what the dispatcher writes back after one attempt.
type Outcome struct {
	Status    PublishStatus
	DataID    string
	WorkLink  string
	ErrorMsg  string
	ErrorCode int
}

// Aggregate folds per-target statuses into the status reported for a whole flow.
func Aggregate(statuses []PublishStatus) PublishStatus {
	if len(statuses) == 0 {
		return StatusUnpublished
	}
	var released, failed, running, queued int
	for _, s := range statuses {
		switch s {
		case StatusReleased:
			released++
		case StatusFail:
			failed++
		case StatusInProgress:
			running++
		case StatusQueued:
			queued++
		}
	}
	switch {
	case running > 0:
		return StatusInProgress
	case released == len(statuses):
		return StatusReleased
	case failed == len(statuses):
		return StatusFail
	case released > 0 && failed > 0 && released+failed == len(statuses):
		return StatusPartialSuccess
	case released+failed > 0:
		return StatusInProgress
	case queued > 0:
		return StatusQueued
	default:
		return StatusUnpublished
	}
}
