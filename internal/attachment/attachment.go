// ABOUTME: Attachment pipeline contract and the local filesystem implementation
// ABOUTME: Uploads land atomically under a dated path and are served from /files/

package attachment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tenantline/internal/store"
)

var (
	// ErrTooLarge is returned when a blob exceeds the configured size limit.
	ErrTooLarge = errors.New("attachment exceeds size limit")

	// ErrTypeNotAllowed is returned when the content type is not on the allow list.
	ErrTypeNotAllowed = errors.New("attachment type not allowed")

	// ErrEmpty is returned for zero-length uploads.
	ErrEmpty = errors.New("attachment is empty")
)

// FilesPrefix is the URL path under which uploaded files are served.
const FilesPrefix = "/files/"

// sniffLen matches what http.DetectContentType inspects.
const sniffLen = 512

// Blob is an attachment awaiting upload.
type Blob struct {
	Reader      io.Reader
	Filename    string
	ContentType string // only trusted when the content cannot be sniffed
	Size        int64  // advisory; the actual byte count is recorded
}

// Pipeline persists blobs and returns their stable location.
type Pipeline interface {
	Upload(ctx context.Context, blob Blob) (*store.Attachment, error)
}

// KindFor classifies a content type.
func KindFor(contentType string) store.AttachmentKind {
	major, _, _ := strings.Cut(strings.ToLower(contentType), "/")
	switch major {
	case "image":
		return store.AttachmentKindImage
	case "audio":
		return store.AttachmentKindAudio
	default:
		return store.AttachmentKindFile
	}
}

// LocalConfig configures LocalPipeline.
type LocalConfig struct {
	Dir           string
	PublicBaseURL string   // prefix for returned URLs, e.g. https://host
	MaxBytes      int64    // 0 means unlimited
	AllowedTypes  []string // exact types or "major/*"; empty allows all
}

// LocalPipeline stores attachments on the local filesystem.
type LocalPipeline struct {
	cfg    LocalConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLocalPipeline creates the storage directory if needed.
func NewLocalPipeline(cfg LocalConfig, logger *slog.Logger) (*LocalPipeline, error) {
	if cfg.Dir == "" {
		return nil, errors.New("attachment dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating attachment dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &LocalPipeline{
		cfg:    cfg,
		logger: logger.With("component", "attachment"),
		now:    time.Now,
	}, nil
}

// Upload writes the blob and returns its attachment record. The file only
// becomes visible once it has been fully written and synced.
func (p *LocalPipeline) Upload(ctx context.Context, blob Blob) (*store.Attachment, error) {
	if blob.Reader == nil {
		return nil, ErrEmpty
	}
	if p.cfg.MaxBytes > 0 && blob.Size > p.cfg.MaxBytes {
		return nil, ErrTooLarge
	}

	br := bufio.NewReaderSize(blob.Reader, sniffLen)
	head, _ := br.Peek(sniffLen)
	if len(head) == 0 {
		return nil, ErrEmpty
	}
	contentType := resolveContentType(blob.ContentType, http.DetectContentType(head))
	if !p.allowed(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotAllowed, contentType)
	}

	date := p.now().UTC()
	rel := path.Join(date.Format("2006"), date.Format("01"), uuid.New().String()+extensionFor(contentType, blob.Filename))
	dst := filepath.Join(p.cfg.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, fmt.Errorf("creating attachment dir: %w", err)
	}

	size, err := p.writeAtomic(ctx, dst, br)
	if err != nil {
		return nil, err
	}

	att := &store.Attachment{
		Kind:        KindFor(contentType),
		URL:         p.cfg.PublicBaseURL + FilesPrefix + rel,
		Filename:    filepath.Base(blob.Filename),
		Size:        size,
		ContentType: contentType,
	}
	if blob.Filename == "" {
		att.Filename = path.Base(rel)
	}
	p.logger.Debug("attachment stored", "path", rel, "size", size, "kind", att.Kind)
	return att, nil
}

func (p *LocalPipeline) writeAtomic(ctx context.Context, dst string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	limit := p.cfg.MaxBytes
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return 0, fmt.Errorf("writing attachment: %w", err)
	}
	if limit > 0 && n > limit {
		return 0, ErrTooLarge
	}
	if n == 0 {
		return 0, ErrEmpty
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing attachment: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return 0, fmt.Errorf("publishing attachment: %w", err)
	}
	committed = true
	return n, nil
}

func (p *LocalPipeline) allowed(contentType string) bool {
	if len(p.cfg.AllowedTypes) == 0 {
		return true
	}
	major, _, _ := strings.Cut(contentType, "/")
	for _, a := range p.cfg.AllowedTypes {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == contentType || a == major+"/*" || a == "*/*" {
			return true
		}
	}
	return false
}

// Handler serves stored files. Directory listings are refused. The content
// type comes from the stored extension, which Upload derives from the
// validated type, and anything a browser would not show as an image or audio
// clip is sent as a download.
func (p *LocalPipeline) Handler() http.Handler {
	fs := http.StripPrefix(FilesPrefix, http.FileServer(http.Dir(p.cfg.Dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") || strings.Contains(r.URL.Path, "/.") {
			http.NotFound(w, r)
			return
		}
		contentType := mime.TypeByExtension(path.Ext(r.URL.Path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := w.Header()
		h.Set("Content-Type", contentType)
		h.Set("X-Content-Type-Options", "nosniff")
		if !servesInline(contentType) {
			h.Set("Content-Disposition", "attachment")
		}
		fs.ServeHTTP(w, r)
	})
}

// audioContainers are sniffed types that legitimately carry declared audio.
var audioContainers = map[string]bool{
	"video/mp4":       true,
	"video/webm":      true,
	"application/ogg": true,
}

// resolveContentType picks the type a blob is validated, stored and served as.
// Whatever http.DetectContentType recognizes wins over the client's claim. The
// declared type is only kept for content the sniffer cannot classify, or for
// audio inside a container it reports as video or ogg.
func resolveContentType(declared, sniffed string) string {
	declared = mediaType(declared)
	sniffed = mediaType(sniffed)
	switch {
	case declared == "" || declared == "application/octet-stream":
		return sniffed
	case sniffed == "application/octet-stream":
		if browserActive(declared) {
			return sniffed
		}
		return declared
	case strings.HasPrefix(declared, "audio/") && audioContainers[sniffed]:
		return declared
	default:
		return sniffed
	}
}

// browserActive reports types a browser may render as a document or run.
func browserActive(contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	for _, marker := range []string{"html", "xml", "script"} {
		if strings.Contains(contentType, marker) {
			return true
		}
	}
	return false
}

func servesInline(contentType string) bool {
	contentType = mediaType(contentType)
	if browserActive(contentType) {
		return false
	}
	kind := KindFor(contentType)
	return kind == store.AttachmentKindImage || kind == store.AttachmentKindAudio
}

func mediaType(contentType string) string {
	contentType, _, _ = strings.Cut(contentType, ";")
	return strings.TrimSpace(strings.ToLower(contentType))
}

// preferredExtensions avoids the alphabetical first pick of ExtensionsByType
// for common types.
var preferredExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"text/plain": ".txt",
	"audio/mpeg": ".mp3",
}

// extensionFor names the stored file after its validated type. The original
// extension is kept only when it maps back to that same type.
func extensionFor(contentType, filename string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" && mediaType(mime.TypeByExtension(ext)) == contentType {
		return ext
	}
	if ext, ok := preferredExtensions[contentType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
