package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobEnqueued JobStatus = "enqueued"
	JobDone     JobStatus = "done"
	JobCanceled JobStatus = "canceled"
)

// ScheduledJob holds a future publish until the sweep hands it to the queue.
type ScheduledJob struct {
	ID          int64         `db:"id" json:"id"`
	FlowID      string        `db:"flow_id" json:"flow_id"`
	RecordIDs   pq.Int64Array `db:"record_ids" json:"record_ids"`
	PublishTime time.Time     `db:"publish_time" json:"publish_time"`
	LockKey     string        `db:"lock_key" json:"lock_key"`
	TaskID      string        `db:"task_id" json:"task_id"`
	Status      JobStatus     `db:"status" json:"status"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

func JobLockKey(jobID int64) string {
	return fmt.Sprintf("publish-job-%d", jobID)
}

func RecordLockKey(recordID int64) string {
	return fmt.Sprintf("publish-record-%d", recordID)
}

// BatchLockKey names an immediate publish of exactly recordIDs. Record ids are
// global, so two enqueues share a key only when they cover the same records.
func BatchLockKey(recordIDs []int64) string {
	ids := slices.Clone(recordIDs)
	slices.Sort(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return "publish-batch-" + hex.EncodeToString(sum[:12])
}

// UploadPart is one acknowledged chunk.
type UploadPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// UploadSession tracks a chunked upload so it can be resumed.
type UploadSession struct {
	Key         string       `json:"key"`
	FileID      string       `json:"fileId"`
	UploadID    string       `json:"uploadId"`
	FileName    string       `json:"fileName"`
	ContentType string       `json:"contentType"`
	TotalSize   int64        `json:"totalSize"`
	ChunkSize   int64        `json:"chunkSize"`
	Parts       []UploadPart `json:"parts"`
}

func (s *UploadSession) HasPart(n int) bool {
	for _, p := range s.Parts {
		if p.PartNumber == n {
			return true
		}
	}
	return false
}

// WebhookEvent dedupes platform callbacks.
type WebhookEvent struct {
	ID         int64     `db:"id" json:"id"`
	Platform   string    `db:"platform" json:"platform"`
	EventKey   string    `db:"event_key" json:"event_key"`
	Event      string    `db:"event" json:"event"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}
