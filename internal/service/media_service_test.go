package service

import (
	"bytes"
	"context"
	"mime/multipart"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/chunked"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func fileHeader(t *testing.T, name string, data []byte) *multipart.FileHeader {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

type memPutter struct {
	keys []string
	data [][]byte
}

func (m *memPutter) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	m.keys = append(m.keys, key)
	m.data = append(m.data, data)
	return "https://media.example/" + key, nil
}

type memChunks struct {
	mu    sync.Mutex
	init  chunked.InitRequest
	parts map[int][]byte
}

func (m *memChunks) Init(_ context.Context, req chunked.InitRequest) (chunked.Session, error) {
	m.init = req
	m.parts = map[int][]byte{}
	return chunked.Session{FileID: req.SecondPath + "/" + req.FileName, UploadID: "u1"}, nil
}

func (m *memChunks) UploadPart(_ context.Context, _ chunked.Session, p chunked.Part) (models.UploadPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[p.Number] = append([]byte(nil), p.Data...)
	return models.UploadPart{PartNumber: p.Number, ETag: "e"}, nil
}

func (m *memChunks) Complete(_ context.Context, s chunked.Session, parts []models.UploadPart) (string, error) {
	return "https://media.example/" + s.FileID, nil
}

func (m *memChunks) joined() []byte {
	var out []byte
	for i := 1; i <= len(m.parts); i++ {
		out = append(out, m.parts[i]...)
	}
	return out
}

func TestMediaUploadSmallFile(t *testing.T) {
	put := &memPutter{}
	svc := NewMediaService(put, &memChunks{}, chunked.NewPipeline(chunked.Options{ChunkSize: 8}, nil), 1024)

	data := append(append([]byte(nil), pngHeader...), []byte("pixels")...)
	resp, err := svc.Upload(context.Background(), 7, fileHeader(t, "a.png", data))
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Regexp(t, `^media/7/[A-Za-z0-9_-]+\.png$`, resp.Key)
	assert.Equal(t, "https://media.example/"+resp.Key, resp.URL)
	require.Len(t, put.data, 1)
	assert.Equal(t, data, put.data[0])
}

func TestMediaUploadLargeFileIsChunked(t *testing.T) {
	put := &memPutter{}
	chunks := &memChunks{}
	svc := NewMediaService(put, chunks, chunked.NewPipeline(chunked.Options{ChunkSize: 10, RetryBase: time.Millisecond}, nil), 16)

	data := append(append([]byte(nil), pngHeader...), bytes.Repeat([]byte("x"), 20)...)
	resp, err := svc.Upload(context.Background(), 7, fileHeader(t, "big.png", data))
	require.NoError(t, err)
	assert.Empty(t, put.keys)
	assert.Len(t, chunks.parts, 4)
	assert.Equal(t, data, chunks.joined())
	assert.Equal(t, "media/7", chunks.init.SecondPath)
	assert.EqualValues(t, len(data), chunks.init.FileSize)
	assert.Equal(t, "https://media.example/"+resp.Key, resp.URL)
}

func TestMediaUploadRejectsUnknownTypes(t *testing.T) {
	svc := NewMediaService(&memPutter{}, &memChunks{}, chunked.NewPipeline(chunked.Options{}, nil), 1024)
	_, err := svc.Upload(context.Background(), 7, fileHeader(t, "notes.txt", []byte("just some text")))
	assert.Equal(t, failure.Validation, failure.KindOf(err))
}
