package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/chunked"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	tiktokDefaultPrivacy = "PUBLIC_TO_EVERYONE"
	tiktokMaxTitle       = 2200
)

type TiktokOptions struct {
	APIURL       string
	ClientKey    string
	ClientSecret string
	// ChunkThreshold is the video size above which FILE_UPLOAD replaces PULL_FROM_URL.
	ChunkThreshold int64
}

type tiktokAdapter struct {
	t        transport.Transport
	pipeline *chunked.Pipeline
	opt      TiktokOptions
}

func NewTiktok(t transport.Transport, pipeline *chunked.Pipeline, opt TiktokOptions) Adapter {
	opt.APIURL = strings.TrimRight(opt.APIURL, "/")
	if opt.ChunkThreshold <= 0 {
		opt.ChunkThreshold = 10 * 1024 * 1024
	}
	return &tiktokAdapter{t: t, pipeline: pipeline, opt: opt}
}

func (a *tiktokAdapter) Platform() string       { return models.PlatformTiktok }
func (a *tiktokAdapter) Capability() Capability { return Chunked }
func (a *tiktokAdapter) Accepts(contentType string) bool {
	return contentType == models.ContentVideo || contentType == models.ContentImage
}

// Publish starts a TikTok post. TikTok finishes asynchronously, so the result
// is always pending until the publish webhook arrives.
func (a *tiktokAdapter) Publish(ctx context.Context, t Target, p Payload) (*Result, error) {
	if err := validate(a.Platform(), p); err != nil {
		return nil, err
	}
	auth := map[string]string{"Authorization": "Bearer " + t.Credential.AccessToken}

	privacy, err := a.privacyLevel(ctx, auth)
	if err != nil {
		return nil, err
	}

	var publishID string
	if p.ContentType == models.ContentImage {
		publishID, err = a.publishPhotos(ctx, auth, privacy, p)
	} else {
		publishID, err = a.publishVideo(ctx, t, auth, privacy, p)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Int64("record_id", t.RecordID).Str("platform", a.Platform()).Str("publish_id", publishID).Msg("tiktok publish started")
	return &Result{DataID: publishID, Pending: true}, nil
}

func (a *tiktokAdapter) privacyLevel(ctx context.Context, auth map[string]string) (string, error) {
	var info transfer.TiktokCreatorInfoResponse
	if err := a.call(ctx, a.opt.APIURL+"/post/publish/creator_info/query/", auth, nil, &info, &info.Error); err != nil {
		return "", err
	}
	for _, opt := range info.Data.PrivacyLevelOptions {
		if opt == tiktokDefaultPrivacy {
			return opt, nil
		}
	}
	if len(info.Data.PrivacyLevelOptions) > 0 {
		return info.Data.PrivacyLevelOptions[0], nil
	}
	return tiktokDefaultPrivacy, nil
}

func (a *tiktokAdapter) publishPhotos(ctx context.Context, auth map[string]string, privacy string, p Payload) (string, error) {
	req := transfer.PhotoUploadRequest{
		PostInfo: transfer.PhotoPostInfo{
			Title:        truncate(p.Title, 90),
			Description:  truncate(captionOf(p), 4000),
			PrivacyLevel: privacy,
			AutoAddMusic: true,
		},
		SourceInfo: transfer.PhotoSourceInfo{
			Source:      "PULL_FROM_URL",
			PhotoImages: p.ImageURLs,
		},
		PostMode:  "DIRECT_POST",
		MediaType: "PHOTO",
	}
	var res transfer.TikTokUploadResponse
	if err := a.call(ctx, a.opt.APIURL+"/post/publish/content/init/", auth, req, &res, &res.Error); err != nil {
		return "", err
	}
	return a.publishID(res)
}

func (a *tiktokAdapter) publishVideo(ctx context.Context, t Target, auth map[string]string, privacy string, p Payload) (string, error) {
	postInfo := transfer.VideoPostInfo{
		Title:                 truncate(captionOf(p), tiktokMaxTitle),
		PrivacyLevel:          privacy,
		VideoCoverTimestampMs: 1000,
	}

	size := a.sourceSize(ctx, p.VideoURL)
	if size <= a.opt.ChunkThreshold || a.pipeline == nil {
		req := transfer.VideoUploadRequest{
			PostInfo:   postInfo,
			SourceInfo: transfer.VideoSourceInfo{Source: "PULL_FROM_URL", VideoURL: p.VideoURL},
		}
		var res transfer.TikTokUploadResponse
		if err := a.call(ctx, a.opt.APIURL+"/post/publish/video/init/", auth, req, &res, &res.Error); err != nil {
			return "", err
		}
		return a.publishID(res)
	}

	up := &tiktokUploader{a: a, auth: auth, postInfo: postInfo, chunkSize: a.pipeline.ChunkSize()}
	return a.pipeline.Upload(ctx, up, chunked.Job{
		Key:    fmt.Sprintf("tiktok:%d", t.RecordID),
		Init:   chunked.InitRequest{FileName: p.VideoURL, ContentType: "video/mp4"},
		Source: &remoteSource{ctx: ctx, t: a.t, url: p.VideoURL},
		Size:   size,
		OnProgress: func(pct float64) {
			log.Debug().Int64("record_id", t.RecordID).Float64("progress", pct).Msg("tiktok upload progress")
		},
	})
}

// sourceSize returns the Content-Length of url, or 0 when it is unknown.
func (a *tiktokAdapter) sourceSize(ctx context.Context, u string) int64 {
	resp, err := a.t.Transfer(ctx, http.MethodHead, u, nil, nil)
	if err != nil || !resp.OK() {
		return 0
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (a *tiktokAdapter) publishID(res transfer.TikTokUploadResponse) (string, error) {
	if res.Data.PublishID == "" {
		return "", &failure.Error{Kind: failure.PlatformRejected, Platform: a.Platform(), Message: "no publish_id returned"}
	}
	return res.Data.PublishID, nil
}

func (a *tiktokAdapter) RefreshCredential(ctx context.Context, cred Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: "no refresh token stored"}
	}
	form := url.Values{}
	form.Set("client_key", a.opt.ClientKey)
	form.Set("client_secret", a.opt.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)

	resp, err := a.t.Transfer(ctx, http.MethodPost, a.opt.APIURL+"/oauth/token/",
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"}, []byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	if err := transport.CheckStatus(a.Platform(), resp); err != nil {
		if failure.Retryable(err) || failure.Is(err, failure.AuthExpired) {
			return nil, err
		}
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: failure.Message(err), Err: err}
	}

	var tok transfer.TiktokTokenResponse
	if err := json.Unmarshal(resp.Body, &tok); err != nil {
		return nil, failure.Wrap(failure.Transient, err, "decode token response")
	}
	if tok.Error != "" || tok.AccessToken == "" {
		msg := tok.ErrorDescription
		if msg == "" {
			msg = "token refresh rejected"
		}
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: msg}
	}
	out := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if out.RefreshToken == "" {
		out.RefreshToken = cred.RefreshToken
	}
	return out, nil
}

// call posts body as JSON and checks both the HTTP status and TikTok's error envelope.
func (a *tiktokAdapter) call(ctx context.Context, u string, auth map[string]string, body, out any, apiErr *transfer.TiktokError) error {
	resp, err := transport.JSON(ctx, a.t, a.Platform(), http.MethodPost, u, auth, body, out)
	if err != nil {
		if resp != nil && !resp.OK() {
			var env transfer.TikTokUploadResponse
			if json.Unmarshal(resp.Body, &env) == nil && env.Error.Code != "" {
				return tiktokError(env.Error, err)
			}
		}
		return err
	}
	if apiErr != nil && apiErr.Code != "" && apiErr.Code != "ok" {
		return tiktokError(*apiErr, nil)
	}
	return nil
}

func tiktokError(e transfer.TiktokError, cause error) error {
	out := &failure.Error{Kind: failure.PlatformRejected, Platform: models.PlatformTiktok, Message: e.Message, Err: cause}
	var fe *failure.Error
	if errors.As(cause, &fe) {
		out.Kind = fe.Kind
		out.StatusCode = fe.StatusCode
		out.RetryAfter = fe.RetryAfter
	}
	if out.Message == "" {
		out.Message = e.Code
	}
	switch e.Code {
	case "access_token_invalid", "scope_not_authorized", "token_not_authorized":
		out.Kind = failure.AuthExpired
	case "rate_limit_exceeded", "spam_risk_too_many_posts", "spam_risk_too_many_pending_share":
		out.Kind = failure.Quota
	case "internal_error":
		out.Kind = failure.Transient
	}
	return out
}

// tiktokUploader speaks TikTok's FILE_UPLOAD protocol through the chunked pipeline.
type tiktokUploader struct {
	a         *tiktokAdapter
	auth      map[string]string
	postInfo  transfer.VideoPostInfo
	chunkSize int64
}

func (u *tiktokUploader) Init(ctx context.Context, req chunked.InitRequest) (chunked.Session, error) {
	body := transfer.VideoUploadRequest{
		PostInfo: u.postInfo,
		SourceInfo: transfer.VideoSourceInfo{
			Source:          "FILE_UPLOAD",
			VideoSize:       req.FileSize,
			ChunkSize:       u.chunkSize,
			TotalChunkCount: len(chunked.Partition(req.FileSize, u.chunkSize)),
		},
	}
	var res transfer.TikTokUploadResponse
	if err := u.a.call(ctx, u.a.opt.APIURL+"/post/publish/video/init/", u.auth, body, &res, &res.Error); err != nil {
		return chunked.Session{}, err
	}
	if res.Data.PublishID == "" || res.Data.UploadURL == "" {
		return chunked.Session{}, &failure.Error{Kind: failure.PlatformRejected, Platform: models.PlatformTiktok, Message: "init returned no upload_url"}
	}
	return chunked.Session{FileID: res.Data.PublishID, UploadID: res.Data.UploadURL}, nil
}

func (u *tiktokUploader) UploadPart(ctx context.Context, s chunked.Session, part chunked.Part) (models.UploadPart, error) {
	end := part.Offset + int64(len(part.Data)) - 1
	headers := map[string]string{
		"Content-Type":  "video/mp4",
		"Content-Range": fmt.Sprintf("bytes %d-%d/%d", part.Offset, end, part.Total),
	}
	resp, err := u.a.t.Transfer(ctx, http.MethodPut, s.UploadID, headers, part.Data)
	if err != nil {
		return models.UploadPart{}, err
	}
	if err := transport.CheckStatus(models.PlatformTiktok, resp); err != nil {
		return models.UploadPart{}, err
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		etag = fmt.Sprintf("%d-%d", part.Offset, end)
	}
	return models.UploadPart{PartNumber: part.Number, ETag: etag}, nil
}

// Complete has nothing to call: TikTok starts processing after the last byte range.
func (u *tiktokUploader) Complete(_ context.Context, s chunked.Session, _ []models.UploadPart) (string, error) {
	return s.FileID, nil
}

// remoteSource reads byte ranges of a remote file. ctx bounds every read
// since io.ReaderAt carries none.
type remoteSource struct {
	ctx context.Context
	t   transport.Transport
	url string
}

func (r *remoteSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	headers := map[string]string{"Range": fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)}
	resp, err := r.t.Transfer(r.ctx, http.MethodGet, r.url, headers, nil)
	if err != nil {
		return 0, err
	}
	if err := transport.CheckStatus("source", resp); err != nil {
		return 0, err
	}
	body := resp.Body
	if resp.StatusCode == http.StatusOK {
		if int64(len(body)) <= off {
			return 0, io.EOF
		}
		body = body[off:]
	}
	n := copy(p, body)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
