package chunked

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mediaServer struct {
	mu    sync.Mutex
	parts map[string][]byte
	init  InitRequest
}

func (m *mediaServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/init", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m.init))
		_, _ = w.Write([]byte(`{"fileId":"f1","uploadId":"u1"}`))
	})
	mux.HandleFunc("/upload/upload", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "f1", q.Get("fileId"))
		assert.Equal(t, "u1", q.Get("uploadId"))
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.parts[q.Get("partNumber")] = body
		m.mu.Unlock()
		fmt.Fprintf(w, `{"PartNumber":%s,"ETag":"e%s"}`, q.Get("partNumber"), q.Get("partNumber"))
	})
	mux.HandleFunc("/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileID string `json:"fileId"`
			Parts  []struct {
				PartNumber int
				ETag       string
			} `json:"parts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "f1", req.FileID)
		var buf bytes.Buffer
		for _, p := range req.Parts {
			assert.Equal(t, fmt.Sprintf("e%d", p.PartNumber), p.ETag)
			buf.Write(m.parts[fmt.Sprint(p.PartNumber)])
		}
		fmt.Fprintf(w, `{"url":"https://cdn.example/%s/%d"}`, req.FileID, buf.Len())
	})
	return mux
}

func TestHTTPClientProtocol(t *testing.T) {
	ms := &mediaServer{parts: map[string][]byte{}}
	srv := httptest.NewServer(ms.handler(t))
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/upload/", transport.New(5*time.Second), map[string]string{"Authorization": "Bearer x"})
	p := NewPipeline(Options{ChunkSize: 10, RetryBase: time.Millisecond}, nil)

	src := []byte("0123456789abcdefghijXYZ")
	url, err := p.Upload(context.Background(), client, Job{
		Init:   InitRequest{FileName: "note.txt", SecondPath: "drafts", ContentType: "text/plain"},
		Source: bytes.NewReader(src),
		Size:   int64(len(src)),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/f1/23", url)
	assert.Equal(t, int64(23), ms.init.FileSize)
	assert.Equal(t, "drafts", ms.init.SecondPath)
	assert.Len(t, ms.parts, 3)
	assert.Equal(t, "XYZ", string(ms.parts["3"]))
}

func TestHTTPClientMissingETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"PartNumber":1}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, transport.New(time.Second), nil)
	_, err := client.UploadPart(context.Background(), Session{FileID: "f", UploadID: "u"}, Part{Number: 1, Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without ETag")
}
