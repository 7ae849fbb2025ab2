package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

type YoutubeOptions struct {
	ClientID     string
	ClientSecret string
	// ChunkSize is the resumable upload chunk size handed to the Google client.
	ChunkSize int
	// Endpoint and TokenURL override the Google defaults.
	Endpoint string
	TokenURL string
	// HTTPClient downloads the source video and carries the platform calls.
	HTTPClient *http.Client
}

type youtubeAdapter struct {
	opt   YoutubeOptions
	oauth *oauth2.Config
}

func NewYoutube(opt YoutubeOptions) Adapter {
	if opt.HTTPClient == nil {
		opt.HTTPClient = http.DefaultClient
	}
	endpoint := google.Endpoint
	if opt.TokenURL != "" {
		endpoint = oauth2.Endpoint{AuthURL: google.Endpoint.AuthURL, TokenURL: opt.TokenURL}
	}
	return &youtubeAdapter{
		opt: opt,
		oauth: &oauth2.Config{
			ClientID:     opt.ClientID,
			ClientSecret: opt.ClientSecret,
			Scopes:       []string{youtube.YoutubeUploadScope},
			Endpoint:     endpoint,
		},
	}
}

func (a *youtubeAdapter) Platform() string       { return models.PlatformYoutube }
func (a *youtubeAdapter) Capability() Capability { return SingleShot }
func (a *youtubeAdapter) Accepts(contentType string) bool {
	return contentType == models.ContentVideo
}

func (a *youtubeAdapter) Publish(ctx context.Context, t Target, p Payload) (*Result, error) {
	if p.ContentType != models.ContentVideo {
		return nil, &failure.Error{Kind: failure.Validation, Platform: a.Platform(), Message: "youtube only accepts video"}
	}
	if err := validate(a.Platform(), p); err != nil {
		return nil, err
	}

	base := context.WithValue(ctx, oauth2.HTTPClient, a.opt.HTTPClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.Credential.AccessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.opt.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.opt.Endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "create youtube service")
	}

	body, err := a.openSource(ctx, p.VideoURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	title := p.Title
	if title == "" {
		title = truncate(p.Description, 100)
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: p.Description,
			Tags:        p.Topics,
			CategoryId:  "22",
		},
		Status: &youtube.VideoStatus{PrivacyStatus: "public"},
	}

	var mediaOpts []googleapi.MediaOption
	if a.opt.ChunkSize > 0 {
		mediaOpts = append(mediaOpts, googleapi.ChunkSize(a.opt.ChunkSize))
	}
	resp, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(body, mediaOpts...).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogle(a.Platform(), err)
	}

	log.Info().Int64("record_id", t.RecordID).Str("platform", a.Platform()).Str("video_id", resp.Id).Msg("video uploaded")
	return &Result{DataID: resp.Id, WorkLink: "https://youtu.be/" + resp.Id}, nil
}

func (a *youtubeAdapter) openSource(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &failure.Error{Kind: failure.Validation, Platform: a.Platform(), Message: "invalid video url", Err: err}
	}
	resp, err := a.opt.HTTPClient.Do(req)
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "download source video")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, failure.Newf(failure.Transient, "source video returned %d", resp.StatusCode)
		}
		return nil, failure.Newf(failure.Validation, "source video returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (a *youtubeAdapter) RefreshCredential(ctx context.Context, cred Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: "no refresh token stored"}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.opt.HTTPClient)
	token, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 500 {
			return nil, &failure.Error{Kind: failure.Transient, Platform: a.Platform(), Message: "token endpoint unavailable", Err: err}
		}
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: "token refresh rejected", Err: err}
	}
	out := &Credential{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken, ExpiresAt: token.Expiry}
	if out.RefreshToken == "" {
		out.RefreshToken = cred.RefreshToken
	}
	return out, nil
}

func classifyGoogle(platform string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		msg := ge.Message
		if msg == "" {
			msg = ge.Body
		}
		fe := failure.FromStatus(platform, ge.Code, ge.Header, []byte(msg))
		if ge.Code == http.StatusForbidden && strings.Contains(msg, "quota") {
			fe.Kind = failure.Quota
		}
		fe.Err = err
		return fe
	}
	return &failure.Error{Kind: failure.Transient, Platform: platform, Message: "upload failed", Err: err}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
