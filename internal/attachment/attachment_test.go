// ABOUTME: Tests for the local attachment pipeline
// ABOUTME: Covers atomic writes, limits, content sniffing and the file handler

package attachment

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenantline/internal/store"
)

// pngHeader is enough for http.DetectContentType to report image/png
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestPipeline(t *testing.T, cfg LocalConfig) *LocalPipeline {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://rent.example.com/"
	}
	p, err := NewLocalPipeline(cfg, nil)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }
	return p
}

// listFiles returns every regular file under dir, relative to it.
func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		contentType string
		want        store.AttachmentKind
	}{
		{"image/png", store.AttachmentKindImage},
		{"IMAGE/JPEG", store.AttachmentKindImage},
		{"audio/mpeg", store.AttachmentKindAudio},
		{"application/pdf", store.AttachmentKindFile},
		{"text/plain; charset=utf-8", store.AttachmentKindFile},
		{"", store.AttachmentKindFile},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, KindFor(tt.contentType))
		})
	}
}

func TestLocalPipeline_Upload(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{})
	content := []byte("%PDF-1.7 lease agreement")

	att, err := p.Upload(t.Context(), Blob{
		Reader:      bytes.NewReader(content),
		Filename:    "Lease.PDF",
		ContentType: "application/pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, store.AttachmentKindFile, att.Kind)
	assert.Equal(t, "Lease.PDF", att.Filename)
	assert.Equal(t, int64(len(content)), att.Size)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.True(t, strings.HasPrefix(att.URL, "https://rent.example.com/files/2026/03/"), att.URL)
	assert.True(t, strings.HasSuffix(att.URL, ".pdf"), att.URL)

	files := listFiles(t, p.cfg.Dir)
	require.Len(t, files, 1)
	assert.Equal(t, strings.TrimPrefix(att.URL, "https://rent.example.com/files/"), files[0])

	stored, err := os.ReadFile(filepath.Join(p.cfg.Dir, filepath.FromSlash(files[0])))
	require.NoError(t, err)
	assert.Equal(t, content, stored)
}

func TestLocalPipeline_SniffsContentType(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{})

	att, err := p.Upload(t.Context(), Blob{Reader: bytes.NewReader(pngHeader), Filename: "photo.png"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.ContentType)
	assert.Equal(t, store.AttachmentKindImage, att.Kind)
}

func TestLocalPipeline_TooLargeLeavesNothingBehind(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{MaxBytes: 8})

	_, err := p.Upload(t.Context(), Blob{
		Reader:      strings.NewReader("more than eight bytes"),
		Filename:    "big.txt",
		ContentType: "text/plain",
	})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, listFiles(t, p.cfg.Dir))

	// Declared size is rejected before reading
	_, err = p.Upload(t.Context(), Blob{Reader: strings.NewReader("x"), ContentType: "text/plain", Size: 9})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLocalPipeline_AllowedTypes(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{AllowedTypes: []string{"image/*", "application/pdf"}})

	_, err := p.Upload(t.Context(), Blob{Reader: bytes.NewReader(pngHeader), ContentType: "image/png"})
	assert.NoError(t, err)

	_, err = p.Upload(t.Context(), Blob{Reader: strings.NewReader("%PDF-1.4"), ContentType: "application/pdf"})
	assert.NoError(t, err)

	_, err = p.Upload(t.Context(), Blob{Reader: strings.NewReader("MZ"), ContentType: "application/x-msdownload"})
	assert.ErrorIs(t, err, ErrTypeNotAllowed)
}

func TestLocalPipeline_Empty(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{})

	_, err := p.Upload(t.Context(), Blob{})
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = p.Upload(t.Context(), Blob{Reader: strings.NewReader("")})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLocalPipeline_CancelledContext(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := p.Upload(ctx, Blob{Reader: strings.NewReader("hello"), ContentType: "text/plain"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listFiles(t, p.cfg.Dir))
}

func TestLocalPipeline_Handler(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{})
	att, err := p.Upload(t.Context(), Blob{Reader: strings.NewReader("hello"), Filename: "note.txt", ContentType: "text/plain"})
	require.NoError(t, err)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	path := strings.TrimPrefix(att.URL, "https://rent.example.com")
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"), resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment", resp.Header.Get("Content-Disposition"))

	listing, err := http.Get(srv.URL + "/files/2026/03/")
	require.NoError(t, err)
	listing.Body.Close()
	assert.Equal(t, http.StatusNotFound, listing.StatusCode)
}

func TestLocalPipeline_HandlerServesImagesInline(t *testing.T) {
	p := newTestPipeline(t, LocalConfig{})
	att, err := p.Upload(t.Context(), Blob{Reader: bytes.NewReader(pngHeader), Filename: "kitchen.png"})
	require.NoError(t, err)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + strings.TrimPrefix(att.URL, "https://rent.example.com"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
}

func TestLocalPipeline_DeclaredTypeCannotDisguiseHTML(t *testing.T) {
	page := "<html><body><script>alert(document.cookie)</script></body></html>"

	t.Run("rejected by allow list", func(t *testing.T) {
		p := newTestPipeline(t, LocalConfig{AllowedTypes: []string{"image/*"}})
		_, err := p.Upload(t.Context(), Blob{Reader: strings.NewReader(page), Filename: "photo.html", ContentType: "image/png"})
		assert.ErrorIs(t, err, ErrTypeNotAllowed)
		assert.Empty(t, listFiles(t, p.cfg.Dir))
	})

	t.Run("stored as a download", func(t *testing.T) {
		p := newTestPipeline(t, LocalConfig{})
		att, err := p.Upload(t.Context(), Blob{Reader: strings.NewReader(page), Filename: "photo.png", ContentType: "image/png"})
		require.NoError(t, err)
		assert.Equal(t, "text/html", att.ContentType)
		assert.Equal(t, store.AttachmentKindFile, att.Kind)
		assert.False(t, strings.HasSuffix(att.URL, ".png"), att.URL)

		srv := httptest.NewServer(p.Handler())
		defer srv.Close()
		resp, err := http.Get(srv.URL + strings.TrimPrefix(att.URL, "https://rent.example.com"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "attachment", resp.Header.Get("Content-Disposition"))
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	})
}

func TestResolveContentType(t *testing.T) {
	tests := []struct {
		declared, sniffed, want string
	}{
		{"", "image/png", "image/png"},
		{"application/octet-stream", "text/plain; charset=utf-8", "text/plain"},
		{"image/png", "text/html; charset=utf-8", "text/html"},
		{"Image/HEIC", "application/octet-stream", "image/heic"},
		{"image/svg+xml", "application/octet-stream", "application/octet-stream"},
		{"text/html", "application/octet-stream", "application/octet-stream"},
		{"audio/mp4", "video/mp4", "audio/mp4"},
		{"audio/ogg", "application/ogg", "audio/ogg"},
		{"image/jpeg", "video/mp4", "video/mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.declared+" as "+tt.sniffed, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveContentType(tt.declared, tt.sniffed))
		})
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFor("image/jpeg", "IMG_001.JPG"))
	assert.Equal(t, ".jpg", extensionFor("image/jpeg", "scan"))
	assert.Equal(t, ".png", extensionFor("image/png", "x.html"))
	assert.Equal(t, ".pdf", extensionFor("application/pdf", "Lease.PDF"))
	assert.Equal(t, "", extensionFor("application/x-tenantline-unknown", "weird.ex e"))
}
