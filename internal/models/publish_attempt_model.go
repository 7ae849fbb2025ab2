package models

import "time"

// PublishAttempt is an append-only audit row written for every dispatch attempt.
type PublishAttempt struct {
	ID        int64         `db:"id" json:"id"`
	RecordID  int64         `db:"record_id" json:"record_id"`
	AccountID int64         `db:"account_id" json:"account_id"`
	Attempt   int           `db:"attempt" json:"attempt"`
	Status    PublishStatus `db:"status" json:"status"`
	ErrorKind string        `db:"error_kind" json:"error_kind"`
	ErrorMsg  string        `db:"error_msg" json:"error_msg"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}
