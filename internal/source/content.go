package source

import "strings"

// ContentKind is the shape of a message payload.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
	ContentVoice    ContentKind = "voice"
)

// Content is a message payload resolved to one kind. Text holds the message
// text for ContentText and the caption for media kinds.
type Content struct {
	Kind ContentKind
	Text string
}

var contentPlaceholders = map[ContentKind]string{
	ContentPhoto:    "[photo]",
	ContentVideo:    "[video]",
	ContentDocument: "[file]",
	ContentVoice:    "[voice message]",
}

// ParseContentKind maps provider type names onto a kind. Empty means text.
func ParseContentKind(s string) (ContentKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "chat", "messagetext":
		return ContentText, true
	case "photo", "image", "messagephoto":
		return ContentPhoto, true
	case "video", "messagevideo":
		return ContentVideo, true
	case "document", "file", "messagedocument":
		return ContentDocument, true
	case "voice", "ptt", "audio", "voicenote", "messagevoicenote":
		return ContentVoice, true
	}
	return "", false
}

// Body renders the payload as post text. ok is false when there is nothing to
// show or the kind is unknown.
func (c Content) Body() (string, bool) {
	text := strings.TrimSpace(c.Text)
	if c.Kind == ContentText {
		return text, text != ""
	}
	placeholder, known := contentPlaceholders[c.Kind]
	if !known {
		return "", false
	}
	if text != "" && c.Kind != ContentVoice {
		return text, true
	}
	return placeholder, true
}
