// Package render converts message bodies from Markdown to HTML for surfaces
// that display rich text. GitHub-flavoured extensions are enabled, single
// newlines become line breaks and raw HTML in the source is never passed
// through.
package render
