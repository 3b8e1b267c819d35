package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadSendsWorkerHeaders(t *testing.T) {
	var gotName, gotType string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.Header.Get("X-Filename")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://files.example.org/file/cat.png","fileName":"cat.png"}`))
	}))
	defer ts.Close()

	u := NewHTTP(ts.URL+"/upload", 0)
	url, err := u.Upload(context.Background(), File{Name: "cat.png", ContentType: "image/png", Data: []byte("png")})
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.org/file/cat.png", url)
	assert.Equal(t, "cat.png", gotName)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, []byte("png"), gotBody)
}

func TestUploadFailureIsDistinct(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "B2 Upload Failed", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := NewHTTP(ts.URL, 0).Upload(context.Background(), File{Name: "a.txt", Data: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "500")
}

func TestUploadWithoutEndpoint(t *testing.T) {
	_, err := NewHTTP("", 0).Upload(context.Background(), File{Name: "a"})
	assert.ErrorIs(t, err, ErrUpload)
}

func TestReadFileAndKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello there"), 0o644))

	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "note.txt", f.Name)
	assert.Equal(t, "file", Kind(f.ContentType))
	assert.Equal(t, "image", Kind("image/jpeg"))
	assert.Equal(t, "audio", Kind("audio/webm"))
	assert.Equal(t, "video", Kind("video/mp4"))
}
