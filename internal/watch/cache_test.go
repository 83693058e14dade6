package watch

import (
	"context"
	"testing"
	"time"

	"livebot/internal/bilibili"
	"livebot/internal/storage"
	"livebot/internal/subs"
	"livebot/pkg/logx"
)

func TestClassifyLifecycle(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	now := time.Now()

	// Seed with offline, then walk the live boundary.
	if tr := c.Classify(100, subs.StatusOffline, time.Time{}); tr != TransitionNone {
		t.Fatalf("seed: got %v, want none", tr)
	}
	if tr := c.Classify(100, subs.StatusLive, now); tr != TransitionStarted {
		t.Fatalf("offline->live: got %v, want started", tr)
	}
	if tr := c.Classify(100, subs.StatusLive, now); tr != TransitionNone {
		t.Fatalf("live->live: got %v, want none", tr)
	}
	if tr := c.Classify(100, subs.StatusOffline, now.Add(time.Hour)); tr != TransitionEnded {
		t.Fatalf("live->offline: got %v, want ended", tr)
	}
}

func TestClassifyCarouselIsNotALiveBoundary(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	c.Classify(100, subs.StatusOffline, time.Time{})
	if tr := c.Classify(100, subs.StatusCarousel, time.Time{}); tr != TransitionNone {
		t.Fatalf("offline->carousel: got %v, want none", tr)
	}
	if tr := c.Classify(100, subs.StatusLive, time.Now()); tr != TransitionStarted {
		t.Fatalf("carousel->live: got %v, want started", tr)
	}
	if tr := c.Classify(100, subs.StatusCarousel, time.Now()); tr != TransitionEnded {
		t.Fatalf("live->carousel: got %v, want ended", tr)
	}
}

func TestClassifyFirstSeenLiveIsSilent(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	if tr := c.Classify(100, subs.StatusLive, time.Now()); tr != TransitionNone {
		t.Fatalf("first observation already live: got %v, want none", tr)
	}
	// But an end after the silent seed still fires.
	if tr := c.Classify(100, subs.StatusOffline, time.Now()); tr != TransitionEnded {
		t.Fatalf("ended after silent seed: got %v, want ended", tr)
	}
}

func item(ts time.Time) bilibili.FeedItem {
	return bilibili.FeedItem{PublishedAt: ts}
}

func TestFreshItemsFirstPollSeedsSilently(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	now := time.Now()
	got := c.FreshItems(100, []bilibili.FeedItem{item(now.Add(-time.Minute))}, now)
	if len(got) != 0 {
		t.Fatalf("first poll returned %d items, want 0", len(got))
	}
}

func TestFreshItemsFiltersAndSorts(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	t0 := time.Now()
	c.FreshItems(100, nil, t0) // seed watermark = t0

	t1 := t0.Add(time.Minute)
	items := []bilibili.FeedItem{
		item(t1.Add(-10 * time.Second)), // new
		item(t0),                        // exactly at watermark: excluded (strictly greater)
		item(t0.Add(-time.Hour)),        // old
		item(t1.Add(-40 * time.Second)), // new, older than the first
	}
	got := c.FreshItems(100, items, t1)
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if !got[0].PublishedAt.Before(got[1].PublishedAt) {
		t.Fatal("items not in ascending publish order")
	}
}

func TestFreshItemsWatermarkAdvancesToPollTime(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	t0 := time.Now()
	c.FreshItems(100, nil, t0)

	// Newest item is well before the poll time.
	t1 := t0.Add(time.Minute)
	newest := item(t1.Add(-30 * time.Second))
	if got := c.FreshItems(100, []bilibili.FeedItem{newest}, t1); len(got) != 1 {
		t.Fatalf("got %d items, want 1", len(got))
	}

	// An item published after the newest delivered item but before t1 must
	// NOT show up later: the watermark moved to t1, not to the item's time.
	between := item(t1.Add(-10 * time.Second))
	if got := c.FreshItems(100, []bilibili.FeedItem{newest, between}, t1.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("watermark did not advance to poll time; got %d items", len(got))
	}
}

func TestFreshItemsNeverRedelivers(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	t0 := time.Now()
	c.FreshItems(100, nil, t0)

	it := item(t0.Add(30 * time.Second))
	if got := c.FreshItems(100, []bilibili.FeedItem{it}, t0.Add(time.Minute)); len(got) != 1 {
		t.Fatal("item should be delivered once")
	}
	if got := c.FreshItems(100, []bilibili.FeedItem{it}, t0.Add(2*time.Minute)); len(got) != 0 {
		t.Fatal("item redelivered")
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	db, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	c := NewCache(db, logx.Nop())
	c.Classify(100, subs.StatusLive, time.Now())
	t0 := time.Now()
	c.FreshItems(100, nil, t0)
	if err := c.Save(ctx); err != nil {
		t.Fatal(err)
	}

	// "Restart": a fresh cache over the same storage must not re-fire for a
	// stream that was already live, and must keep the feed watermark.
	c2 := NewCache(db, logx.Nop())
	if err := c2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if tr := c2.Classify(100, subs.StatusLive, time.Now()); tr != TransitionNone {
		t.Fatalf("restart re-fired live start: %v", tr)
	}
	old := item(t0.Add(-time.Minute))
	if got := c2.FreshItems(100, []bilibili.FeedItem{old}, time.Now()); len(got) != 0 {
		t.Fatal("restart re-delivered an old feed item")
	}
}

func TestForget(t *testing.T) {
	c := NewCache(nil, logx.Nop())
	c.Classify(100, subs.StatusLive, time.Now())
	c.Forget(100)
	// After Forget the next observation is a silent seed again.
	if tr := c.Classify(100, subs.StatusLive, time.Now()); tr != TransitionNone {
		t.Fatalf("got %v, want none after Forget", tr)
	}
}
