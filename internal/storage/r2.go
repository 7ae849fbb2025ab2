package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	cfg "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/chunked"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
)

const platformR2 = "r2"

// ObjectAPI is the subset of the S3 client used for media staging.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

type R2Store struct {
	api       ObjectAPI
	bucket    string
	publicURL string
}

// NewR2Client builds an S3 client pointed at Cloudflare R2, or at r2.Endpoint when set.
func NewR2Client(ctx context.Context, r2 cfg.R2) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(r2.AccessKey, r2.SecretKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load r2 config: %w", err)
	}

	endpoint := r2.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", r2.AccountID)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = r2.Endpoint != ""
	}), nil
}

func NewR2Store(api ObjectAPI, bucket, publicURL string) *R2Store {
	return &R2Store{api: api, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/")}
}

func (r *R2Store) URL(key string) string {
	return r.publicURL + "/" + key
}

// Put uploads a small object in one request and returns its public URL.
func (r *R2Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classify(err, "put object")
	}
	return r.URL(key), nil
}

// Multipart returns a chunked.Client that writes one object through the S3 multipart API.
// InitRequest.FileName is used as the object key.
func (r *R2Store) Multipart() chunked.Client {
	return &multipartClient{store: r}
}

type multipartClient struct {
	store *R2Store
}

func (m *multipartClient) Init(ctx context.Context, req chunked.InitRequest) (chunked.Session, error) {
	key := req.FileName
	if req.SecondPath != "" {
		key = strings.Trim(req.SecondPath, "/") + "/" + key
	}
	out, err := m.store.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(m.store.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(req.ContentType),
	})
	if err != nil {
		return chunked.Session{}, classify(err, "create multipart upload")
	}
	return chunked.Session{FileID: key, UploadID: aws.ToString(out.UploadId)}, nil
}

func (m *multipartClient) UploadPart(ctx context.Context, s chunked.Session, part chunked.Part) (models.UploadPart, error) {
	out, err := m.store.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(m.store.bucket),
		Key:        aws.String(s.FileID),
		UploadId:   aws.String(s.UploadID),
		PartNumber: aws.Int32(int32(part.Number)),
		Body:       bytes.NewReader(part.Data),
	})
	if err != nil {
		return models.UploadPart{}, classify(err, fmt.Sprintf("upload part %d", part.Number))
	}
	return models.UploadPart{PartNumber: part.Number, ETag: aws.ToString(out.ETag)}, nil
}

func (m *multipartClient) Complete(ctx context.Context, s chunked.Session, parts []models.UploadPart) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}
	_, err := m.store.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(m.store.bucket),
		Key:             aws.String(s.FileID),
		UploadId:        aws.String(s.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classify(err, "complete multipart upload")
	}
	return m.store.URL(s.FileID), nil
}

func classify(err error, op string) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		fe := failure.FromStatus(platformR2, re.HTTPStatusCode(), nil, []byte(re.Error()))
		fe.Err = err
		fe.Message = op
		return fe
	}
	return &failure.Error{Kind: failure.Transient, Platform: platformR2, Message: op, Err: err}
}
