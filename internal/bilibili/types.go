package bilibili

import (
	"time"

	"livebot/internal/subs"
)

// StatusInfo is one streamer's snapshot from the batched live-status lookup.
type StatusInfo struct {
	UID         int64
	Status      subs.Status
	StatusSince time.Time
	Name        string
	RoomID      int64
	Title       string
	CoverURL    string
	AvatarURL   string
}

// ItemKind closes the set of feed item payload shapes.
type ItemKind int

const (
	ItemVideo   ItemKind = iota // a published video
	ItemGallery                 // a post with images
	ItemText                    // a plain text post
	ItemForward                 // a repost wrapping another item
)

func (k ItemKind) String() string {
	switch k {
	case ItemVideo:
		return "video"
	case ItemGallery:
		return "gallery"
	case ItemText:
		return "text"
	case ItemForward:
		return "forward"
	default:
		return "unknown"
	}
}

// FeedItem is one entry from a streamer's dynamics feed, normalized from the
// platform's polymorphic card payloads.
//
// Forwards embed the reposted item as an owned value in Origin. Reposts form
// a DAG in practice, so the nesting is finite.
type FeedItem struct {
	ID          string
	UID         int64
	Kind        ItemKind
	PublishedAt time.Time
	Text        string
	MediaURL    string
	URL         string
	Origin      *FeedItem
}
