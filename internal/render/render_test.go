// ABOUTME: Tests for message body rendering
// ABOUTME: Checks formatting, hard wraps and that raw HTML never leaks through

package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderer_HTML(t *testing.T) {
	r := New()

	tests := []struct {
		name     string
		body     string
		contains []string
		excludes []string
	}{
		{
			name:     "emphasis",
			body:     "The **deposit** is due *Friday*",
			contains: []string{"<strong>deposit</strong>", "<em>Friday</em>"},
		},
		{
			name:     "hard wraps",
			body:     "line one\nline two",
			contains: []string{"line one<br>"},
		},
		{
			name:     "autolink",
			body:     "see https://rent.example.com/p/42",
			contains: []string{`<a href="https://rent.example.com/p/42">`},
		},
		{
			name:     "strikethrough",
			body:     "~~old price~~",
			contains: []string{"<del>old price</del>"},
		},
		{
			name:     "raw html dropped",
			body:     "hello <script>alert(1)</script>",
			contains: []string{"hello"},
			excludes: []string{"<script>"},
		},
		{
			name:     "dangerous link",
			body:     "[click](javascript:alert(1))",
			excludes: []string{"javascript:"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.HTML(tt.body)
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
			for _, bad := range tt.excludes {
				assert.NotContains(t, out, bad)
			}
		})
	}
}

func TestRenderer_EmptyBody(t *testing.T) {
	r := New()
	assert.Equal(t, "", r.HTML(""))
	assert.Equal(t, "", r.HTML("  \n"))
}
