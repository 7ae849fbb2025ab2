package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/container"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/internal/transport"
	"github.com/rs/zerolog/log"
)

const maxCarouselItems = 10

// RecordChecker reports whether a publish record still exists. Container
// polling stops as soon as it returns false.
type RecordChecker interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

type instagramAdapter struct {
	t        transport.Transport
	machine  *container.Machine
	records  RecordChecker
	graphURL string
}

func NewInstagram(t transport.Transport, machine *container.Machine, records RecordChecker, graphURL string) Adapter {
	return &instagramAdapter{
		t:        t,
		machine:  machine,
		records:  records,
		graphURL: strings.TrimRight(graphURL, "/"),
	}
}

func (a *instagramAdapter) Platform() string       { return models.PlatformInstagram }
func (a *instagramAdapter) Capability() Capability { return Container }
func (a *instagramAdapter) Accepts(contentType string) bool {
	return contentType == models.ContentVideo || contentType == models.ContentImage
}

func (a *instagramAdapter) Publish(ctx context.Context, t Target, p Payload) (*Result, error) {
	if err := validate(a.Platform(), p); err != nil {
		return nil, err
	}
	token := t.Credential.AccessToken
	caption := captionOf(p)

	if err := a.machine.Reset(ctx, t.RecordID); err != nil {
		return nil, err
	}

	var (
		creationID string
		err        error
	)
	switch category := categoryOf(p); {
	case category == models.CategoryStory:
		req := transfer.InstagramContainerRequest{MediaType: "STORIES", AccessToken: token}
		if p.ContentType == models.ContentVideo {
			req.VideoURL = p.VideoURL
		} else {
			req.ImageURL = p.ImageURLs[0]
		}
		creationID, err = a.single(ctx, t, category, req)
	case p.ContentType == models.ContentVideo:
		creationID, err = a.single(ctx, t, models.CategoryReel, transfer.InstagramContainerRequest{
			MediaType:   "REELS",
			VideoURL:    p.VideoURL,
			CoverURL:    p.CoverURL,
			Caption:     caption,
			AccessToken: token,
		})
	case len(p.ImageURLs) == 1:
		creationID, err = a.single(ctx, t, models.CategoryPost, transfer.InstagramContainerRequest{
			ImageURL:    p.ImageURLs[0],
			Caption:     caption,
			AccessToken: token,
		})
	default:
		creationID, err = a.carousel(ctx, t, caption, p.ImageURLs)
	}
	if err != nil {
		return nil, err
	}

	var published transfer.InstagramIDResponse
	err = a.call(ctx, http.MethodPost, a.graphURL+"/"+t.AccountID+"/media_publish",
		transfer.InstagramPublishRequest{CreationID: creationID, AccessToken: token}, &published)
	if err != nil {
		return nil, err
	}
	if published.ID == "" {
		return nil, &failure.Error{Kind: failure.PlatformRejected, Platform: a.Platform(), Message: "media_publish returned no media id"}
	}

	res := &Result{DataID: published.ID}
	// the media is live at this point, a missing permalink must not fail the target
	var link transfer.InstagramPermalink
	q := url.Values{"fields": {"permalink"}, "access_token": {token}}
	if err := a.call(ctx, http.MethodGet, a.graphURL+"/"+published.ID+"?"+q.Encode(), nil, &link); err != nil {
		log.Warn().Err(err).Int64("record_id", t.RecordID).Str("media_id", published.ID).Msg("permalink lookup failed")
	} else {
		res.WorkLink = link.Permalink
	}
	return res, nil
}

// single creates one container, waits for it and returns its id.
func (a *instagramAdapter) single(ctx context.Context, t Target, category string, req transfer.InstagramContainerRequest) (string, error) {
	c, err := a.createContainer(ctx, t, 0, category, req)
	if err != nil {
		return "", err
	}
	if _, err := a.machine.WaitReady(ctx, t.RecordID, 1, a.probe(req.AccessToken), a.alive(t.RecordID)); err != nil {
		return "", err
	}
	return c.ContainerID, nil
}

func (a *instagramAdapter) carousel(ctx context.Context, t Target, caption string, images []string) (string, error) {
	if len(images) > maxCarouselItems {
		return "", &failure.Error{Kind: failure.Validation, Platform: a.Platform(), Message: fmt.Sprintf("a carousel holds at most %d images", maxCarouselItems)}
	}
	token := t.Credential.AccessToken

	children := make([]string, 0, len(images))
	for i, img := range images {
		c, err := a.createContainer(ctx, t, i, "carousel_item", transfer.InstagramContainerRequest{
			ImageURL:       img,
			IsCarouselItem: true,
			AccessToken:    token,
		})
		if err != nil {
			return "", err
		}
		children = append(children, c.ContainerID)
	}
	if _, err := a.machine.WaitReady(ctx, t.RecordID, len(children), a.probe(token), a.alive(t.RecordID)); err != nil {
		return "", err
	}

	parent, err := a.createContainer(ctx, t, len(children), models.CategoryPost, transfer.InstagramContainerRequest{
		MediaType:   "CAROUSEL",
		Caption:     caption,
		Children:    children,
		AccessToken: token,
	})
	if err != nil {
		return "", err
	}
	if _, err := a.machine.WaitReady(ctx, t.RecordID, len(children)+1, a.probe(token), a.alive(t.RecordID)); err != nil {
		return "", err
	}
	return parent.ContainerID, nil
}

func (a *instagramAdapter) createContainer(ctx context.Context, t Target, index int, category string, req transfer.InstagramContainerRequest) (*models.MediaContainer, error) {
	var created transfer.InstagramIDResponse
	if err := a.call(ctx, http.MethodPost, a.graphURL+"/"+t.AccountID+"/media", req, &created); err != nil {
		return nil, err
	}
	c, err := a.machine.CreateContainer(ctx, container.Registration{
		PublishID:   t.RecordID,
		Platform:    a.Platform(),
		ItemIndex:   index,
		JobID:       t.FlowID,
		ContainerID: created.ID,
		Category:    category,
	})
	if err != nil {
		return nil, failure.WithPlatform(err, a.Platform())
	}
	log.Debug().Int64("record_id", t.RecordID).Str("container_id", c.ContainerID).Int("item", index).Msg("container registered")
	return c, nil
}

func (a *instagramAdapter) probe(token string) container.Probe {
	return func(ctx context.Context, c *models.MediaContainer) (models.ContainerStatus, string, error) {
		var st transfer.InstagramContainerStatus
		q := url.Values{"fields": {"status_code,status"}, "access_token": {token}}
		if err := a.call(ctx, http.MethodGet, a.graphURL+"/"+c.ContainerID+"?"+q.Encode(), nil, &st); err != nil {
			return "", "", err
		}
		switch st.StatusCode {
		case "FINISHED", "PUBLISHED":
			return models.ContainerFinished, "", nil
		case "ERROR", "EXPIRED":
			msg := st.Status
			if msg == "" {
				msg = strings.ToLower(st.StatusCode)
			}
			return models.ContainerFailed, msg, nil
		default:
			return models.ContainerInProgress, "", nil
		}
	}
}

func (a *instagramAdapter) alive(recordID int64) container.Alive {
	if a.records == nil {
		return nil
	}
	return func(ctx context.Context) (bool, error) {
		return a.records.Exists(ctx, recordID)
	}
}

// RefreshCredential extends a long lived token. Instagram has no separate
// refresh token; the current token is exchanged for a new one.
func (a *instagramAdapter) RefreshCredential(ctx context.Context, cred Credential) (*Credential, error) {
	current := cred.RefreshToken
	if current == "" {
		current = cred.AccessToken
	}
	q := url.Values{"grant_type": {"ig_refresh_token"}, "access_token": {current}}

	var out transfer.InstagramTokenResponse
	if err := a.call(ctx, http.MethodGet, unversioned(a.graphURL)+"/refresh_access_token?"+q.Encode(), nil, &out); err != nil {
		if failure.Retryable(err) || failure.Is(err, failure.AuthExpired) {
			return nil, err
		}
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: failure.Message(err), Err: err}
	}
	if out.AccessToken == "" {
		return nil, &failure.Error{Kind: failure.AuthExpired, Platform: a.Platform(), Message: "refresh returned no token"}
	}
	return &Credential{
		AccessToken:  out.AccessToken,
		RefreshToken: out.AccessToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// call performs one Graph API request and turns error bodies into classified failures.
func (a *instagramAdapter) call(ctx context.Context, method, u string, body, out any) error {
	resp, err := transport.JSON(ctx, a.t, a.Platform(), method, u, nil, body, out)
	if err == nil {
		return nil
	}
	if resp == nil || resp.OK() {
		return err
	}
	return graphError(resp, err)
}

func graphError(resp *transport.Response, cause error) error {
	var ge transfer.InstagramErrorResponse
	if json.Unmarshal(resp.Body, &ge) != nil || ge.Error.Message == "" {
		return cause
	}
	var fe *failure.Error
	if !errors.As(cause, &fe) {
		return cause
	}
	out := *fe
	out.Message = ge.Error.Message
	if ge.Error.ErrorUserMsg != "" {
		out.Message = ge.Error.ErrorUserMsg
	}
	switch {
	case ge.Error.IsTransient:
		out.Kind = failure.Transient
	case ge.Error.Code == 190:
		out.Kind = failure.AuthExpired
	case ge.Error.Code == 4 || ge.Error.Code == 17 || ge.Error.Code == 32 || ge.Error.Code == 613:
		out.Kind = failure.Quota
	}
	return &out
}

func captionOf(p Payload) string {
	caption := p.Description
	if caption == "" {
		caption = p.Title
	}
	for _, topic := range p.Topics {
		topic = strings.TrimPrefix(strings.TrimSpace(topic), "#")
		if topic != "" {
			caption += " #" + topic
		}
	}
	return strings.TrimSpace(caption)
}

func categoryOf(p Payload) string {
	switch p.Category {
	case models.CategoryStory, models.CategoryReel, models.CategoryPost:
		return p.Category
	}
	if p.ContentType == models.ContentVideo {
		return models.CategoryReel
	}
	return models.CategoryPost
}

// unversioned strips a trailing /vNN.N segment from a Graph base URL.
func unversioned(base string) string {
	i := strings.LastIndex(base, "/")
	if i < 0 {
		return base
	}
	seg := base[i+1:]
	if len(seg) > 1 && seg[0] == 'v' && strings.Trim(seg[1:], "0123456789.") == "" {
		return base[:i]
	}
	return base
}
