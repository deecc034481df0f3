// Package attachment persists message attachments before the message that
// references them is written.
//
// # Pipeline
//
// Upload blocks until the blob is durable and returns a populated
// store.Attachment, or an error. Nothing is published on failure:
//
//	p, _ := attachment.NewLocalPipeline(attachment.LocalConfig{
//	    Dir:           "/var/lib/tenantline/files",
//	    PublicBaseURL: "https://rent.example.com",
//	    MaxBytes:      10 << 20,
//	}, logger)
//	att, err := p.Upload(ctx, attachment.Blob{Reader: r, Filename: "lease.pdf"})
//
// # Local Layout
//
// Files are stored as <yyyy>/<mm>/<uuid><ext> under Dir. Each upload is
// written to a temp file in the target directory and renamed into place, so
// a partially written file is never reachable through its URL.
//
// # Kinds
//
// KindFor classifies by content type: image/* is an image, audio/* is audio
// and everything else is a file. The content type is sniffed from the first
// 512 bytes. A declared type is used only where sniffing cannot tell, and the
// stored extension follows the resulting type.
//
// # Serving
//
// Handler serves stored files with the type of their extension. Images and
// audio are shown inline; anything else is sent as a download.
package attachment
