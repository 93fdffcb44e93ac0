package chat

import "strings"

// Attachment kinds encoded with the in-band content tag convention.
const (
	AttachmentImage    = "image"
	AttachmentDocument = "document"
)

// Attachment is an attachment reference decoded from message content.
type Attachment struct {
	Kind string
	Name string
	URL  string
}

// ImageContent encodes an image attachment reference.
func ImageContent(url string) string {
	return "[Image] " + url
}

// DocumentContent encodes a document attachment reference with its
// display name.
func DocumentContent(name, url string) string {
	return "[Document: " + name + "] " + url
}

// ParseAttachment decodes the content tag convention. Returns nil for
// plain text content.
func ParseAttachment(content string) *Attachment {
	if url, ok := strings.CutPrefix(content, "[Image] "); ok {
		return &Attachment{Kind: AttachmentImage, URL: url}
	}
	if rest, ok := strings.CutPrefix(content, "[Document: "); ok {
		name, url, found := strings.Cut(rest, "] ")
		if !found {
			return nil
		}
		return &Attachment{Kind: AttachmentDocument, Name: name, URL: url}
	}
	return nil
}
