package transport

import "context"

// SegmentType enumerates the message fragments the dispatcher can emit.
type SegmentType int

const (
	SegmentText  SegmentType = iota
	SegmentImage             // URL points at an image to attach
	SegmentAtAll             // mention-everyone marker; adapters render it per platform
)

// Segment is one typed fragment of an outgoing message. The dispatcher builds
// ordered segment slices; adapters decide the concrete rendering.
type Segment struct {
	Type SegmentType
	Text string
	URL  string
}

func Text(s string) Segment  { return Segment{Type: SegmentText, Text: s} }
func Image(u string) Segment { return Segment{Type: SegmentImage, URL: u} }
func AtAll() Segment         { return Segment{Type: SegmentAtAll} }

// Transport delivers a segment sequence to one recipient. Implementations
// must treat each call independently; the dispatcher handles fan-out and
// per-recipient failure isolation.
type Transport interface {
	SendGroup(ctx context.Context, groupID int64, segs []Segment) error
	SendUser(ctx context.Context, userID int64, segs []Segment) error
}

// Message is an inbound chat message, normalized away from the platform SDK.
type Message struct {
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Replier sends a plain-text reply back to the chat a message came from.
type Replier interface {
	Reply(ctx context.Context, m Message, text string) error
}
