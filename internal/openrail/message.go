package openrail

import (
	"strings"
	"time"
)

// MessageKind classifies a received broker frame.
type MessageKind int

const (
	KindText MessageKind = iota
	KindBytes
	KindUnsupported
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	default:
		return "unsupported"
	}
}

// Message is one frame taken off a topic, ready for the drain loop.
type Message struct {
	Topic      string
	Kind       MessageKind
	Body       []byte
	ReceivedAt time.Time
}

// classifyMessage maps a frame's content type onto a MessageKind. The
// feed publishes JSON as text frames; anything with a body is still
// usable as bytes.
func classifyMessage(contentType string, body []byte) MessageKind {
	if body == nil {
		return KindUnsupported
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" || strings.HasPrefix(ct, "text/") || strings.HasPrefix(ct, "application/json") {
		return KindText
	}
	return KindBytes
}
