// ABOUTME: Markdown to HTML rendering for message bodies using goldmark
// ABOUTME: GFM with hard wraps; raw HTML and dangerous links are suppressed

package render

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer turns message bodies into HTML fragments. Safe for concurrent use.
type Renderer struct {
	md goldmark.Markdown
}

// New creates a Renderer with the message body dialect.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

// HTML renders body. An empty body renders as "". If conversion fails the
// escaped plain text is returned instead.
func (r *Renderer) HTML(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(body), &buf); err != nil {
		return "<p>" + html.EscapeString(body) + "</p>"
	}
	return strings.TrimSpace(buf.String())
}
