package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph imitates the Graph API container endpoints. Every container
// reports IN_PROGRESS for inProgressPolls status checks before its final state.
type fakeGraph struct {
	mu              sync.Mutex
	inProgressPolls int
	failContainer   string
	created         []transfer.InstagramContainerRequest
	polls           map[string]int
	published       []string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{polls: map[string]int{}}
}

func (g *fakeGraph) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/v21.0"), "/")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/media"):
			var req transfer.InstagramContainerRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			g.created = append(g.created, req)
			id := "c" + string(rune('0'+len(g.created)))
			_ = json.NewEncoder(w).Encode(transfer.InstagramIDResponse{ID: id})
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/media_publish"):
			var req transfer.InstagramPublishRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			g.published = append(g.published, req.CreationID)
			_ = json.NewEncoder(w).Encode(transfer.InstagramIDResponse{ID: "m-1"})
		case r.Method == http.MethodGet && r.URL.Query().Get("fields") == "permalink":
			_ = json.NewEncoder(w).Encode(transfer.InstagramPermalink{ID: path, Permalink: "https://instagram.com/p/abc"})
		case r.Method == http.MethodGet && path == "refresh_access_token":
			if r.URL.Query().Get("access_token") == "revoked" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"Session has been invalidated","code":190}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(transfer.InstagramTokenResponse{AccessToken: "fresh", ExpiresIn: 3600})
		case r.Method == http.MethodGet:
			g.polls[path]++
			status := transfer.InstagramContainerStatus{ID: path, StatusCode: "IN_PROGRESS"}
			if g.polls[path] > g.inProgressPolls {
				status.StatusCode = "FINISHED"
				if path == g.failContainer {
					status.StatusCode, status.Status = "ERROR", "Error: media download failed"
				}
			}
			_ = json.NewEncoder(w).Encode(status)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

type recordsAlive struct{ alive bool }

func (r recordsAlive) Exists(context.Context, int64) (bool, error) { return r.alive, nil }

func newInstagram(t *testing.T, g *fakeGraph, alive bool) (Adapter, *containerStore) {
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	store := &containerStore{}
	return NewInstagram(transport.New(time.Second), newTestMachine(store), recordsAlive{alive}, srv.URL+"/v21.0"), store
}

func igTarget() Target {
	return Target{RecordID: 1, FlowID: "flow-1", AccountID: "1784", Credential: Credential{AccessToken: "tok"}}
}

func TestInstagramPublishWaitsForContainer(t *testing.T) {
	g := newFakeGraph()
	g.inProgressPolls = 2
	ig, store := newInstagram(t, g, true)

	res, err := ig.Publish(context.Background(), igTarget(), Payload{
		ContentType: models.ContentImage,
		Description: "hello",
		ImageURLs:   []string{"https://cdn/1.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.DataID)
	assert.Equal(t, "https://instagram.com/p/abc", res.WorkLink)
	assert.False(t, res.Pending)

	assert.Equal(t, 3, g.polls["c1"])
	assert.Equal(t, []string{"c1"}, g.published)
	n, _ := store.CountFinished(context.Background(), 1)
	assert.Equal(t, 1, n)
}

func TestInstagramCarousel(t *testing.T) {
	g := newFakeGraph()
	ig, store := newInstagram(t, g, true)

	_, err := ig.Publish(context.Background(), igTarget(), Payload{
		ContentType: models.ContentImage,
		Description: "set",
		ImageURLs:   []string{"https://cdn/1.jpg", "https://cdn/2.jpg", "https://cdn/3.jpg"},
	})
	require.NoError(t, err)

	require.Len(t, g.created, 4)
	for _, child := range g.created[:3] {
		assert.True(t, child.IsCarouselItem)
	}
	parent := g.created[3]
	assert.Equal(t, "CAROUSEL", parent.MediaType)
	assert.Equal(t, []string{"c1", "c2", "c3"}, parent.Children)
	assert.Equal(t, []string{"c4"}, g.published)

	all, _ := store.ListByPublishID(context.Background(), 1)
	assert.Len(t, all, 4)
}

func TestInstagramFailedContainerFailsTarget(t *testing.T) {
	g := newFakeGraph()
	g.failContainer = "c2"
	ig, _ := newInstagram(t, g, true)

	_, err := ig.Publish(context.Background(), igTarget(), Payload{
		ContentType: models.ContentImage,
		ImageURLs:   []string{"https://cdn/1.jpg", "https://cdn/2.jpg"},
	})
	require.Error(t, err)
	assert.Equal(t, failure.PlatformRejected, failure.KindOf(err))
	assert.Contains(t, failure.Message(err), "media download failed")
	assert.Empty(t, g.published)
}

func TestInstagramReel(t *testing.T) {
	g := newFakeGraph()
	ig, _ := newInstagram(t, g, true)

	_, err := ig.Publish(context.Background(), igTarget(), Payload{
		ContentType: models.ContentVideo,
		VideoURL:    "https://cdn/v.mp4",
		CoverURL:    "https://cdn/c.jpg",
	})
	require.NoError(t, err)
	require.Len(t, g.created, 1)
	assert.Equal(t, "REELS", g.created[0].MediaType)
	assert.Equal(t, "https://cdn/c.jpg", g.created[0].CoverURL)
}

func TestInstagramStopsWhenRecordDeleted(t *testing.T) {
	g := newFakeGraph()
	g.inProgressPolls = 1000
	ig, _ := newInstagram(t, g, false)

	_, err := ig.Publish(context.Background(), igTarget(), Payload{
		ContentType: models.ContentImage,
		Category:    models.CategoryStory,
		ImageURLs:   []string{"https://cdn/1.jpg"},
	})
	require.Error(t, err)
	assert.Empty(t, g.published)
	assert.Equal(t, "STORIES", g.created[0].MediaType)
}

func TestInstagramRefresh(t *testing.T) {
	g := newFakeGraph()
	ig, _ := newInstagram(t, g, true)

	cred, err := ig.RefreshCredential(context.Background(), Credential{AccessToken: "old"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "fresh", cred.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, time.Minute)

	_, err = ig.RefreshCredential(context.Background(), Credential{AccessToken: "revoked"})
	assert.Equal(t, failure.AuthExpired, failure.KindOf(err))
	assert.Contains(t, failure.Message(err), "needs re-authentication")
}
