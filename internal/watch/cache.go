package watch

import (
	"context"
	"sort"
	"sync"
	"time"

	"livebot/internal/bilibili"
	"livebot/internal/storage"
	"livebot/internal/subs"
	"livebot/pkg/logx"
)

// Transition is the outcome of comparing a polled status against the last
// known one.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionStarted
	TransitionEnded
)

func (t Transition) String() string {
	switch t {
	case TransitionStarted:
		return "started"
	case TransitionEnded:
		return "ended"
	default:
		return "none"
	}
}

type statusSnapshot struct {
	Status subs.Status `json:"status"`
	Since  time.Time   `json:"since,omitempty"`
}

const (
	datasetStatus = "status-cache"
	datasetFeed   = "feed-cache"
)

// Cache holds the last-observed state used for change detection.
type Cache struct {
	log logx.Logger
	db  storage.Store // nil disables persistence

	mu     sync.Mutex
	status map[int64]statusSnapshot
	feed   map[int64]time.Time // watermark: items at or before this are considered delivered
}

func NewCache(db storage.Store, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		log:    log,
		db:     db,
		status: map[int64]statusSnapshot{},
		feed:   map[int64]time.Time{},
	}
}

// Load restores persisted snapshots.
func (c *Cache) Load(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	var status map[int64]statusSnapshot
	var feed map[int64]time.Time
	if _, err := c.db.Load(ctx, datasetStatus, &status); err != nil {
		return err
	}
	if _, err := c.db.Load(ctx, datasetFeed, &feed); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if status != nil {
		c.status = status
	}
	if feed != nil {
		c.feed = feed
	}
	return nil
}

// Classify compares a polled status against the snapshot and updates it.
//
// The first observation for an unseen streamer seeds the snapshot and
// reports no transition, even if the streamer is already live. Otherwise a
// stream that was live before the process started would fire a spurious
// "went live" on every restart.
func (c *Cache) Classify(uid int64, status subs.Status, since time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, seen := c.status[uid]
	if !seen {
		c.status[uid] = statusSnapshot{Status: status, Since: since}
		return TransitionNone
	}
	if prev.Status == status {
		return TransitionNone
	}
	c.status[uid] = statusSnapshot{Status: status, Since: since}

	switch {
	case status == subs.StatusLive:
		return TransitionStarted
	case prev.Status == subs.StatusLive:
		return TransitionEnded
	default:
		// e.g. offline <-> carousel; not a live boundary.
		return TransitionNone
	}
}

// FreshItems filters items down to those strictly newer than the streamer's
// watermark and returns them in ascending publish order.
//
// The watermark then advances to now (the poll time), not to the newest
// item's timestamp. Platform clocks can run ahead of or behind ours; pinning
// to local poll time means an item published between two polls is picked up
// by the next one, while anything returned here can never qualify again.
//
// The first call for an unseen streamer seeds the watermark and returns
// nothing (same restart rationale as Classify).
func (c *Cache) FreshItems(uid int64, items []bilibili.FeedItem, now time.Time) []bilibili.FeedItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	wm, seen := c.feed[uid]
	c.feed[uid] = now
	if !seen {
		return nil
	}

	var fresh []bilibili.FeedItem
	for _, it := range items {
		if it.PublishedAt.After(wm) {
			fresh = append(fresh, it)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].PublishedAt.Before(fresh[j].PublishedAt)
	})
	return fresh
}

// Forget drops all snapshots for uid. Used when a streamer is removed.
func (c *Cache) Forget(uid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.status, uid)
	delete(c.feed, uid)
}

// PruneExcept drops snapshots for streamers nobody tracks anymore, so the
// cache doesn't grow with every streamer ever subscribed to.
func (c *Cache) PruneExcept(uids []int64) {
	keep := make(map[int64]struct{}, len(uids))
	for _, uid := range uids {
		keep[uid] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid := range c.status {
		if _, ok := keep[uid]; !ok {
			delete(c.status, uid)
		}
	}
	for uid := range c.feed {
		if _, ok := keep[uid]; !ok {
			delete(c.feed, uid)
		}
	}
}

// Save persists both snapshots. The poller calls this at the end of every
// cycle so a restart resumes from the last completed poll.
func (c *Cache) Save(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	c.mu.Lock()
	status := make(map[int64]statusSnapshot, len(c.status))
	for k, v := range c.status {
		status[k] = v
	}
	feed := make(map[int64]time.Time, len(c.feed))
	for k, v := range c.feed {
		feed[k] = v
	}
	c.mu.Unlock()

	if err := c.db.Save(ctx, datasetStatus, status); err != nil {
		return err
	}
	return c.db.Save(ctx, datasetFeed, feed)
}
