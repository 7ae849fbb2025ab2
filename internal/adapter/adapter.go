// Package adapter hides each platform's upload and publish protocol behind one
// interface so the dispatcher never branches on platform.
package adapter

import (
	"context"
	"sort"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
)

// Capability names the upload strategy an adapter drives.
type Capability string

const (
	SingleShot Capability = "single_shot"
	Chunked    Capability = "chunked"
	Container  Capability = "container"
)

// Credential carries unsealed tokens. It never leaves the worker process.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Target struct {
	RecordID int64
	FlowID   string
	// AccountID is the platform side account identifier.
	AccountID  string
	Credential Credential
}

type Payload struct {
	ContentType string
	Category    string
	Title       string
	Description string
	Topics      []string
	VideoURL    string
	CoverURL    string
	ImageURLs   []string
}

func PayloadFrom(rec *models.PublishRecord) Payload {
	return Payload{
		ContentType: rec.ContentType,
		Category:    rec.Category,
		Title:       rec.Title,
		Description: rec.Description,
		Topics:      rec.Topics,
		VideoURL:    rec.VideoURL,
		CoverURL:    rec.CoverURL,
		ImageURLs:   rec.ImageURLs,
	}
}

// Result of a publish call. Pending means the platform finishes asynchronously
// and reports back through a webhook keyed by DataID.
type Result struct {
	DataID   string
	WorkLink string
	Pending  bool
}

type Adapter interface {
	Platform() string
	Capability() Capability
	// Accepts reports whether the platform can publish contentType at all.
	Accepts(contentType string) bool
	Publish(ctx context.Context, t Target, p Payload) (*Result, error)
	RefreshCredential(ctx context.Context, cred Credential) (*Credential, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Get(platform string) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, failure.Newf(failure.Validation, "unsupported platform %q", platform)
	}
	return a, nil
}

func (r *Registry) Supports(platform string) bool {
	_, ok := r.adapters[platform]
	return ok
}

// Accepts reports whether platform is registered and publishes contentType.
func (r *Registry) Accepts(platform, contentType string) bool {
	a, ok := r.adapters[platform]
	return ok && a.Accepts(contentType)
}

func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func validate(platform string, p Payload) error {
	switch p.ContentType {
	case models.ContentVideo:
		if p.VideoURL == "" {
			return &failure.Error{Kind: failure.Validation, Platform: platform, Message: "video content needs a videoUrl"}
		}
	case models.ContentImage:
		if len(p.ImageURLs) == 0 {
			return &failure.Error{Kind: failure.Validation, Platform: platform, Message: "image content needs at least one image url"}
		}
	default:
		return &failure.Error{Kind: failure.Validation, Platform: platform, Message: "content type " + p.ContentType + " is not supported"}
	}
	return nil
}
