package chunked

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transport"
)

const mediaPlatform = "media"

// HTTPClient speaks the generic media service protocol:
//
//	POST {base}/init      {fileName, secondPath, fileSize, contentType} -> {fileId, uploadId}
//	POST {base}/upload?fileId&uploadId&partNumber   <chunk bytes>       -> {PartNumber, ETag}
//	POST {base}/complete  {fileId, uploadId, parts}                     -> {url}
type HTTPClient struct {
	base    string
	t       transport.Transport
	headers map[string]string
}

func NewHTTPClient(baseURL string, t transport.Transport, headers map[string]string) *HTTPClient {
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), t: t, headers: headers}
}

func (c *HTTPClient) Init(ctx context.Context, req InitRequest) (Session, error) {
	var out Session
	if _, err := transport.JSON(ctx, c.t, mediaPlatform, http.MethodPost, c.base+"/init", c.headers, req, &out); err != nil {
		return Session{}, err
	}
	if out.FileID == "" || out.UploadID == "" {
		return Session{}, failure.New(failure.PlatformRejected, "init returned no fileId/uploadId")
	}
	return out, nil
}

func (c *HTTPClient) UploadPart(ctx context.Context, s Session, part Part) (models.UploadPart, error) {
	q := url.Values{}
	q.Set("fileId", s.FileID)
	q.Set("uploadId", s.UploadID)
	q.Set("partNumber", strconv.Itoa(part.Number))

	h := map[string]string{"Content-Type": "application/octet-stream"}
	for k, v := range c.headers {
		h[k] = v
	}

	resp, err := c.t.Transfer(ctx, http.MethodPost, c.base+"/upload?"+q.Encode(), h, part.Data)
	if err != nil {
		return models.UploadPart{}, err
	}
	if err := transport.CheckStatus(mediaPlatform, resp); err != nil {
		return models.UploadPart{}, err
	}

	var out models.UploadPart
	if err := decode(resp.Body, &out); err != nil {
		return models.UploadPart{}, err
	}
	if out.ETag == "" {
		return models.UploadPart{}, failure.Newf(failure.PlatformRejected, "part %d acknowledged without ETag", part.Number)
	}
	if out.PartNumber == 0 {
		out.PartNumber = part.Number
	}
	return out, nil
}

func (c *HTTPClient) Complete(ctx context.Context, s Session, parts []models.UploadPart) (string, error) {
	body := struct {
		FileID   string              `json:"fileId"`
		UploadID string              `json:"uploadId"`
		Parts    []models.UploadPart `json:"parts"`
	}{s.FileID, s.UploadID, parts}

	var out struct {
		URL string `json:"url"`
	}
	if _, err := transport.JSON(ctx, c.t, mediaPlatform, http.MethodPost, c.base+"/complete", c.headers, body, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", failure.New(failure.PlatformRejected, "complete returned no url")
	}
	return out.URL, nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return failure.Wrap(failure.PlatformRejected, err, "decode response")
	}
	return nil
}
