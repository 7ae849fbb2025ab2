package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferReturnsNon2xxAsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.Header.Get("X-Upload"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "chunk", string(body))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad part"}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	resp, err := c.Transfer(context.Background(), http.MethodPost, srv.URL, map[string]string{"X-Upload": "abc"}, []byte("chunk"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, `{"error":"bad part"}`, string(resp.Body))
	assert.False(t, resp.OK())

	checked := CheckStatus("generic", resp)
	assert.Equal(t, failure.PlatformRejected, failure.KindOf(checked))
}

func TestTransferConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(time.Second)
	_, err := c.Transfer(context.Background(), http.MethodGet, url, nil, nil)
	require.Error(t, err)

	var te *Error
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, failure.Transient, failure.KindOf(err))
	assert.True(t, failure.Retryable(err))
}

func TestTransferTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(20 * time.Millisecond)
	_, err := c.Transfer(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, failure.Transient, failure.KindOf(err))
}

func TestJSONDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json; charset=UTF-8", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"id":"17890"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	_, err := JSON(context.Background(), New(time.Second, WithRateLimit(100)), "instagram", http.MethodPost, srv.URL, nil, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "17890", out.ID)
}

func TestJSONServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := JSON(context.Background(), New(time.Second), "instagram", http.MethodGet, srv.URL, nil, nil, nil)
	assert.Equal(t, failure.Transient, failure.KindOf(err))
}
