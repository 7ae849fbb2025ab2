package models

import "time"

type ContainerStatus string

const (
	ContainerCreated    ContainerStatus = "created"
	ContainerInProgress ContainerStatus = "in_progress"
	ContainerFinished   ContainerStatus = "finished"
	ContainerFailed     ContainerStatus = "failed"
)

var containerRank = map[ContainerStatus]int{
	ContainerCreated:    0,
	ContainerInProgress: 1,
	ContainerFinished:   2,
	ContainerFailed:     2,
}

func (s ContainerStatus) Terminal() bool {
	return s == ContainerFinished || s == ContainerFailed
}

func (s ContainerStatus) Valid() bool {
	_, ok := containerRank[s]
	return ok
}

// CanTransitionTo reports whether s -> next moves forward. Staying put is allowed
// for non-terminal states so repeated polls are no-ops.
func (s ContainerStatus) CanTransitionTo(next ContainerStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return s == next
	}
	return containerRank[next] >= containerRank[s]
}

// MediaContainer is a platform side handle for asynchronously processed media.
type MediaContainer struct {
	ID          int64           `db:"id" json:"id"`
	PublishID   int64           `db:"publish_id" json:"publish_id"`
	Platform    string          `db:"platform" json:"platform"`
	ItemIndex   int             `db:"item_index" json:"item_index"`
	JobID       string          `db:"job_id" json:"job_id"`
	ContainerID string          `db:"container_id" json:"container_id"`
	Category    string          `db:"category" json:"category"`
	Status      ContainerStatus `db:"status" json:"status"`
	ErrorMsg    string          `db:"error_msg" json:"error_msg,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}
