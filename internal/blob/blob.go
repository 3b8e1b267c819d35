// Package blob uploads attachments, voice recordings and photos to the
// upload worker and returns the public URL of the stored file.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUpload wraps every upload failure so callers can tell blob-store errors
// apart from document-store errors.
var ErrUpload = errors.New("blob: upload failed")

// File is one attachment staged for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReadFile stages a file from disk, sniffing its content type.
func ReadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return File{Name: filepath.Base(path), ContentType: http.DetectContentType(b), Data: b}, nil
}

// Kind classifies a content type the way message documents record fileType.
func Kind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image"):
		return "image"
	case strings.HasPrefix(contentType, "audio"):
		return "audio"
	case strings.HasPrefix(contentType, "video"):
		return "video"
	}
	return "file"
}

// Uploader is the blob-store contract.
type Uploader interface {
	Upload(ctx context.Context, f File) (url string, err error)
}

// HTTPUploader posts raw file bodies to a worker's /upload endpoint.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates an uploader for endpoint (e.g. https://files.example.org/upload).
func NewHTTP(endpoint string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPUploader{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type uploadResponse struct {
	URL       string `json:"url"`
	SecureURL string `json:"secure_url"`
	FileName  string `json:"fileName"`
}

func (u *HTTPUploader) Upload(ctx context.Context, f File) (string, error) {
	if u.endpoint == "" {
		return "", fmt.Errorf("%w: no upload endpoint configured", ErrUpload)
	}
	name := f.Name
	if name == "" {
		name = fmt.Sprintf("upload-%d", time.Now().UnixMilli())
	}
	ct := f.ContentType
	if ct == "" {
		ct = http.DetectContentType(f.Data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(f.Data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Filename", name)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d: %s", ErrUpload, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpload, err)
	}
	url := out.SecureURL
	if url == "" {
		url = out.URL
	}
	if url == "" {
		return "", fmt.Errorf("%w: response has no url", ErrUpload)
	}
	log.Printf("BLOB: uploaded %s (%d bytes)", name, len(f.Data))
	return url, nil
}
