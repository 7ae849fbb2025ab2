package chunked

import (
	"context"

	"github.com/maheshrc27/postflow/internal/models"
)

type InitRequest struct {
	FileName    string `json:"fileName"`
	SecondPath  string `json:"secondPath"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

type Session struct {
	FileID   string `json:"fileId"`
	UploadID string `json:"uploadId"`
}

type Part struct {
	Number int
	Offset int64
	Total  int64
	Data   []byte
}

// Client is the init/upload/complete protocol a chunked destination speaks.
type Client interface {
	Init(ctx context.Context, req InitRequest) (Session, error)
	UploadPart(ctx context.Context, s Session, part Part) (models.UploadPart, error)
	// Complete receives parts sorted by part number, 1..N with no gaps.
	Complete(ctx context.Context, s Session, parts []models.UploadPart) (string, error)
}
