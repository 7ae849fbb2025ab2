package service

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	"github.com/maheshrc27/postflow/internal/chunked"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/transfer"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

var allowedMedia = map[string]struct{}{
	"mp4": {}, "mov": {}, "jpg": {}, "png": {}, "webp": {}, "gif": {},
}

type MediaService interface {
	Upload(ctx context.Context, userID int64, file *multipart.FileHeader) (*transfer.MediaUploadResponse, error)
}

// ObjectPutter stores a small object in one request.
type ObjectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type mediaService struct {
	small     ObjectPutter
	chunks    chunked.Client
	pipeline  *chunked.Pipeline
	threshold int64
}

// NewMediaService stages uploads. Files up to threshold go through small when
// it is set, everything else through the chunked pipeline.
func NewMediaService(small ObjectPutter, chunks chunked.Client, pipeline *chunked.Pipeline, threshold int64) MediaService {
	return &mediaService{small: small, chunks: chunks, pipeline: pipeline, threshold: threshold}
}

func (s *mediaService) Upload(ctx context.Context, userID int64, fh *multipart.FileHeader) (*transfer.MediaUploadResponse, error) {
	if fh == nil || fh.Size <= 0 {
		return nil, failure.New(failure.Validation, "no file provided")
	}
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	head := make([]byte, 261)
	n, err := file.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("error reading file content: %w", err)
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == types.Unknown {
		return nil, failure.New(failure.Validation, "unsupported file type")
	}
	if _, ok := allowedMedia[kind.Extension]; !ok {
		return nil, failure.Newf(failure.Validation, "file type %s is not allowed", kind.Extension)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	name := id + "." + kind.Extension
	dir := fmt.Sprintf("media/%d", userID)
	key := dir + "/" + name
	logger := log.With().Str("key", key).Int64("size", fh.Size).Logger()

	var url string
	if s.small != nil && fh.Size <= s.threshold {
		data := make([]byte, fh.Size)
		if _, err := io.ReadFull(io.NewSectionReader(file, 0, fh.Size), data); err != nil {
			return nil, fmt.Errorf("error reading file content: %w", err)
		}
		url, err = s.small.Put(ctx, key, data, kind.MIME.Value)
	} else {
		url, err = s.pipeline.Upload(ctx, s.chunks, chunked.Job{
			Key: "media:" + key,
			Init: chunked.InitRequest{
				FileName:    name,
				SecondPath:  dir,
				FileSize:    fh.Size,
				ContentType: kind.MIME.Value,
			},
			Source: file,
			Size:   fh.Size,
			OnProgress: func(p float64) {
				logger.Debug().Float64("progress", p).Msg("staging media")
			},
		})
	}
	if err != nil {
		logger.Error().Err(err).Msg("error uploading media")
		return nil, err
	}

	logger.Info().Str("url", url).Msg("media staged")
	return &transfer.MediaUploadResponse{URL: url, Key: key, ContentType: kind.MIME.Value, Size: fh.Size}, nil
}
