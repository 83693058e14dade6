package subs

import (
	"errors"
	"time"
)

// ErrUnknownStreamer is returned when a subscription references a UID with no
// streamer record. Callers resolve the streamer first (see commands package).
var ErrUnknownStreamer = errors.New("unknown streamer")

// Status is the live state reported by the platform.
type Status int

const (
	StatusOffline  Status = 0
	StatusLive     Status = 1
	StatusCarousel Status = 2 // channel is replaying recorded content
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusLive:
		return "live"
	case StatusCarousel:
		return "carousel"
	default:
		return "unknown"
	}
}

// Streamer is a tracked subject. Records are created lazily on first
// subscription (after a successful platform lookup) and refreshed by the
// status poller.
type Streamer struct {
	UID         int64     `json:"uid"`
	Name        string    `json:"name"`
	RoomID      int64     `json:"room_id"`
	Title       string    `json:"title,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Status      Status    `json:"status"`
	StatusSince time.Time `json:"status_since,omitempty"`
}

// GroupSub is a group chat's subscription record. UIDs keeps subscription
// order. The record is never auto-deleted, even when UIDs becomes empty.
type GroupSub struct {
	UIDs     []int64 `json:"uids"`
	AtAll    bool    `json:"at_all"`
	Enabled  bool    `json:"enabled"`
	Template string  `json:"template,omitempty"`
}

// UserSub is a private chat's subscription record. Private deliveries never
// mention-all, so there are no flags here.
type UserSub struct {
	UIDs []int64 `json:"uids"`
}

// Kind distinguishes the two subscriber namespaces.
type Kind int

const (
	KindGroup Kind = iota
	KindUser
)

// GroupTarget is a fan-out destination with the flags the dispatcher needs.
type GroupTarget struct {
	ID       int64
	AtAll    bool
	Template string
}

const (
	datasetStreamers = "streamers"
	datasetGroupSubs = "group-subs"
	datasetUserSubs  = "user-subs"
)
