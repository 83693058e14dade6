package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livebot/internal/bilibili"
	"livebot/internal/notify"
	"livebot/internal/subs"
	"livebot/internal/transport"
	"livebot/internal/watch"
	"livebot/pkg/logx"
)

// fakeFetcher serves scripted status and feed responses.
type fakeFetcher struct {
	mu        sync.Mutex
	status    map[int64]bilibili.StatusInfo
	feeds     map[int64][]bilibili.FeedItem
	feedErrs  map[int64]error
	statusErr error

	statusCalls int
	block       chan struct{} // when set, FetchStatus blocks until closed
}

func (f *fakeFetcher) FetchStatus(ctx context.Context, uids []int64) (map[int64]bilibili.StatusInfo, error) {
	f.mu.Lock()
	f.statusCalls++
	block := f.block
	err := f.statusErr
	out := make(map[int64]bilibili.StatusInfo)
	for _, uid := range uids {
		if info, ok := f.status[uid]; ok {
			out[uid] = info
		}
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeFetcher) FetchFeed(ctx context.Context, uid int64) ([]bilibili.FeedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.feedErrs[uid]; err != nil {
		return nil, err
	}
	return f.feeds[uid], nil
}

func (f *fakeFetcher) setStatus(uid int64, st subs.Status, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[uid] = bilibili.StatusInfo{
		UID: uid, Status: st, StatusSince: time.Now(), Name: name, RoomID: uid * 10,
	}
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

type sentMsg struct {
	group bool
	id    int64
	segs  []transport.Segment
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeTransport) SendGroup(ctx context.Context, id int64, segs []transport.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{group: true, id: id, segs: segs})
	return nil
}

func (f *fakeTransport) SendUser(ctx context.Context, id int64, segs []transport.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{group: false, id: id, segs: segs})
	return nil
}

func (f *fakeTransport) all() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type fixture struct {
	store   *subs.Store
	cache   *watch.Cache
	fetcher *fakeFetcher
	tr      *fakeTransport
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := subs.NewStore(nil, logx.Nop())
	cache := watch.NewCache(nil, logx.Nop())
	fetcher := &fakeFetcher{
		status:   map[int64]bilibili.StatusInfo{},
		feeds:    map[int64][]bilibili.FeedItem{},
		feedErrs: map[int64]error{},
	}
	tr := &fakeTransport{}
	sink := notify.NewDispatcher(notify.Config{RatePerSec: 1000}, store, tr, logx.Nop())
	svc := New(Config{}, store, cache, fetcher, fetcher, sink, logx.Nop())
	return &fixture{store: store, cache: cache, fetcher: fetcher, tr: tr, svc: svc}
}

// Full chain: subscribe fails before the record exists, succeeds after, and a
// later poll observing the live transition delivers exactly one group
// message carrying the at-all marker.
func TestEndToEndLiveFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.SubscribeGroup(1, 100); !errors.Is(err, subs.ErrUnknownStreamer) {
		t.Fatalf("subscribe before upsert: err = %v, want ErrUnknownStreamer", err)
	}

	f.store.UpsertStreamer(subs.Streamer{UID: 100, Name: "alice"})
	added, err := f.store.SubscribeGroup(1, 100)
	if err != nil || !added {
		t.Fatalf("subscribe after upsert: (%v, %v)", added, err)
	}
	f.store.SetGroupAtAll(1, true)

	// First poll seeds the snapshot (offline), second observes the start.
	f.fetcher.setStatus(100, subs.StatusOffline, "alice")
	f.svc.PollStatusOnce(ctx)
	if got := f.tr.all(); len(got) != 0 {
		t.Fatalf("seed poll sent %d messages, want 0", len(got))
	}

	f.fetcher.setStatus(100, subs.StatusLive, "alice")
	f.svc.PollStatusOnce(ctx)
	got := f.tr.all()
	if len(got) != 1 {
		t.Fatalf("live poll sent %d messages, want 1", len(got))
	}
	if !got[0].group || got[0].id != 1 {
		t.Fatalf("unexpected recipient: %+v", got[0])
	}
	if got[0].segs[0].Type != transport.SegmentAtAll {
		t.Fatal("group message missing at-all marker")
	}

	// Unchanged status on the next poll stays silent.
	f.svc.PollStatusOnce(ctx)
	if got := f.tr.all(); len(got) != 1 {
		t.Fatalf("unchanged poll added messages: %d total", len(got))
	}
}

func TestRestartSilentWhenAlreadyLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.UpsertStreamer(subs.Streamer{UID: 100, Name: "alice"})
	if _, err := f.store.SubscribeGroup(1, 100); err != nil {
		t.Fatal(err)
	}

	// First observation ever reports live: seed silently, no notification.
	f.fetcher.setStatus(100, subs.StatusLive, "alice")
	f.svc.PollStatusOnce(ctx)
	if got := f.tr.all(); len(got) != 0 {
		t.Fatalf("mid-stream first observation fired %d messages", len(got))
	}
}

func TestPollSkipsWhenNothingTracked(t *testing.T) {
	f := newFixture(t)
	f.store.UpsertStreamer(subs.Streamer{UID: 100})

	f.svc.PollStatusOnce(context.Background())
	if f.fetcher.calls() != 0 {
		t.Fatal("fetch attempted with no subscribers")
	}
}

func TestStatusFetchFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.UpsertStreamer(subs.Streamer{UID: 100, Name: "alice"})
	if _, err := f.store.SubscribeGroup(1, 100); err != nil {
		t.Fatal(err)
	}

	f.fetcher.setStatus(100, subs.StatusOffline, "alice")
	f.svc.PollStatusOnce(ctx)

	// Failed fetch: no transition, no message, snapshot intact.
	f.fetcher.mu.Lock()
	f.fetcher.statusErr = errors.New("api down")
	f.fetcher.mu.Unlock()
	f.svc.PollStatusOnce(ctx)
	if got := f.tr.all(); len(got) != 0 {
		t.Fatalf("failed fetch produced %d messages", len(got))
	}

	// Recovery still classifies against the pre-failure snapshot.
	f.fetcher.mu.Lock()
	f.fetcher.statusErr = nil
	f.fetcher.mu.Unlock()
	f.fetcher.setStatus(100, subs.StatusLive, "alice")
	f.svc.PollStatusOnce(ctx)
	if got := f.tr.all(); len(got) != 1 {
		t.Fatalf("recovery poll sent %d messages, want 1", len(got))
	}
}

func TestFeedCycleFailSoftPerStreamer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	for _, uid := range []int64{100, 200} {
		f.store.UpsertStreamer(subs.Streamer{UID: uid, Name: "s"})
		if _, err := f.store.SubscribeGroup(1, uid); err != nil {
			t.Fatal(err)
		}
	}

	// Seed both watermarks.
	f.svc.PollFeedOnce(ctx)

	f.fetcher.mu.Lock()
	f.fetcher.feedErrs[100] = errors.New("feed down")
	f.fetcher.feeds[200] = []bilibili.FeedItem{
		{UID: 200, Kind: bilibili.ItemText, Text: "post", PublishedAt: now.Add(time.Second)},
	}
	f.fetcher.mu.Unlock()

	f.svc.PollFeedOnce(ctx)
	got := f.tr.all()
	if len(got) != 1 {
		t.Fatalf("expected streamer 200's item delivered despite 100 failing; got %d sends", len(got))
	}
}

func TestFeedFirstPollSeedsSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.UpsertStreamer(subs.Streamer{UID: 100, Name: "alice"})
	if _, err := f.store.SubscribeGroup(1, 100); err != nil {
		t.Fatal(err)
	}
	f.fetcher.mu.Lock()
	f.fetcher.feeds[100] = []bilibili.FeedItem{
		{UID: 100, Kind: bilibili.ItemText, Text: "old post", PublishedAt: time.Now().Add(-time.Hour)},
	}
	f.fetcher.mu.Unlock()

	f.svc.PollFeedOnce(ctx)
	if got := f.tr.all(); len(got) != 0 {
		t.Fatalf("first feed poll delivered %d historical items", len(got))
	}
}

func TestStatusCycleReentrancyGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.UpsertStreamer(subs.Streamer{UID: 100, Name: "alice"})
	if _, err := f.store.SubscribeGroup(1, 100); err != nil {
		t.Fatal(err)
	}
	f.fetcher.setStatus(100, subs.StatusOffline, "alice")

	block := make(chan struct{})
	f.fetcher.mu.Lock()
	f.fetcher.block = block
	f.fetcher.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.svc.PollStatusOnce(ctx)
		close(done)
	}()

	// Wait until the in-flight cycle is inside the fetch.
	for i := 0; i < 100 && f.fetcher.calls() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if f.fetcher.calls() != 1 {
		t.Fatalf("expected 1 in-flight fetch, got %d", f.fetcher.calls())
	}

	// The overlapping tick must return immediately without fetching.
	f.svc.PollStatusOnce(ctx)
	if f.fetcher.calls() != 1 {
		t.Fatal("overlapping cycle started a second fetch")
	}

	close(block)
	<-done
}

func TestMergeKeepsStoredFieldsOnBlankFetch(t *testing.T) {
	st := subs.Streamer{UID: 100, Name: "alice", RoomID: 9, Title: "old", CoverURL: "c", AvatarURL: "a"}
	merged := mergeStatus(st, bilibili.StatusInfo{UID: 100, Status: subs.StatusLive})
	if merged.Name != "alice" || merged.RoomID != 9 || merged.CoverURL != "c" {
		t.Fatalf("blank fetch clobbered metadata: %+v", merged)
	}
	if merged.Status != subs.StatusLive {
		t.Fatal("status not updated")
	}
}
