package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"livebot/internal/bilibili"
	"livebot/internal/subs"
	"livebot/internal/transport"
	"livebot/pkg/logx"
)

type sentMsg struct {
	group bool
	id    int64
	segs  []transport.Segment
}

// fakeTransport records deliveries and can fail specific recipients.
type fakeTransport struct {
	sent    []sentMsg
	failFor map[int64]bool
}

func (f *fakeTransport) SendGroup(ctx context.Context, id int64, segs []transport.Segment) error {
	if f.failFor[id] {
		return errors.New("boom")
	}
	f.sent = append(f.sent, sentMsg{group: true, id: id, segs: segs})
	return nil
}

func (f *fakeTransport) SendUser(ctx context.Context, id int64, segs []transport.Segment) error {
	if f.failFor[id] {
		return errors.New("boom")
	}
	f.sent = append(f.sent, sentMsg{group: false, id: id, segs: segs})
	return nil
}

func hasAtAll(segs []transport.Segment) bool {
	for _, s := range segs {
		if s.Type == transport.SegmentAtAll {
			return true
		}
	}
	return false
}

func textOf(segs []transport.Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Type == transport.SegmentText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

func newFixture(t *testing.T) (*subs.Store, *fakeTransport, *Dispatcher) {
	t.Helper()
	store := subs.NewStore(nil, logx.Nop())
	tr := &fakeTransport{failFor: map[int64]bool{}}
	d := NewDispatcher(Config{RatePerSec: 1000}, store, tr, logx.Nop())
	return store, tr, d
}

func liveStreamer() subs.Streamer {
	return subs.Streamer{
		UID: 100, Name: "alice", RoomID: 42, Title: "speedrun",
		Status: subs.StatusLive, StatusSince: time.Now(),
	}
}

func TestZeroSubscribersMeansZeroSends(t *testing.T) {
	store, tr, d := newFixture(t)
	store.UpsertStreamer(liveStreamer())

	d.LiveStarted(context.Background(), liveStreamer())
	d.LiveEnded(context.Background(), liveStreamer())
	d.FeedItem(context.Background(), liveStreamer(), bilibili.FeedItem{Kind: bilibili.ItemText, Text: "hi"})
	if len(tr.sent) != 0 {
		t.Fatalf("expected no sends, got %d", len(tr.sent))
	}
}

func TestAtAllMarkerFollowsGroupFlag(t *testing.T) {
	store, tr, d := newFixture(t)
	st := liveStreamer()
	store.UpsertStreamer(st)
	if _, err := store.SubscribeGroup(1, st.UID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SubscribeGroup(2, st.UID); err != nil {
		t.Fatal(err)
	}
	store.SetGroupAtAll(2, true)

	d.LiveStarted(context.Background(), st)
	if len(tr.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(tr.sent))
	}
	for _, m := range tr.sent {
		want := m.id == 2
		if got := hasAtAll(m.segs); got != want {
			t.Fatalf("group %d: at-all marker = %v, want %v", m.id, got, want)
		}
	}
}

func TestUserDeliveryNeverMentionsAll(t *testing.T) {
	store, tr, d := newFixture(t)
	st := liveStreamer()
	store.UpsertStreamer(st)
	if _, err := store.SubscribeUser(7, st.UID); err != nil {
		t.Fatal(err)
	}

	d.LiveStarted(context.Background(), st)
	if len(tr.sent) != 1 || tr.sent[0].group {
		t.Fatalf("expected one private send, got %+v", tr.sent)
	}
	if hasAtAll(tr.sent[0].segs) {
		t.Fatal("private delivery contains at-all marker")
	}
}

func TestGroupTemplateOverride(t *testing.T) {
	store, tr, d := newFixture(t)
	st := liveStreamer()
	store.UpsertStreamer(st)
	if _, err := store.SubscribeGroup(1, st.UID); err != nil {
		t.Fatal(err)
	}
	store.SetGroupTemplate(1, "LIVE: {name} / {title}")

	d.LiveStarted(context.Background(), st)
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.sent))
	}
	text := textOf(tr.sent[0].segs)
	if !strings.Contains(text, "LIVE: alice / speedrun") {
		t.Fatalf("template not applied: %q", text)
	}
}

func TestDeliveryFailureDoesNotShortCircuit(t *testing.T) {
	store, tr, d := newFixture(t)
	st := liveStreamer()
	store.UpsertStreamer(st)
	for _, gid := range []int64{1, 2, 3} {
		if _, err := store.SubscribeGroup(gid, st.UID); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.SubscribeUser(7, st.UID); err != nil {
		t.Fatal(err)
	}
	tr.failFor[2] = true

	d.LiveStarted(context.Background(), st)
	if len(tr.sent) != 3 {
		t.Fatalf("expected 3 successful sends despite one failure, got %d", len(tr.sent))
	}
	for _, m := range tr.sent {
		if m.group && m.id == 2 {
			t.Fatal("failed recipient recorded as delivered")
		}
	}
}

func TestFeedItemRendering(t *testing.T) {
	store, tr, d := newFixture(t)
	st := liveStreamer()
	store.UpsertStreamer(st)
	if _, err := store.SubscribeGroup(1, st.UID); err != nil {
		t.Fatal(err)
	}

	origin := bilibili.FeedItem{Kind: bilibili.ItemText, Text: "original post"}
	item := bilibili.FeedItem{
		Kind: bilibili.ItemForward, Text: "check this out",
		URL: "https://t.bilibili.com/1", Origin: &origin,
	}
	d.FeedItem(context.Background(), st, item)
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.sent))
	}
	text := textOf(tr.sent[0].segs)
	for _, want := range []string{"alice reposted", "check this out", "original post"} {
		if !strings.Contains(text, want) {
			t.Fatalf("feed text missing %q: %q", want, text)
		}
	}
	if hasAtAll(tr.sent[0].segs) {
		t.Fatal("feed posts must never mention-all")
	}
}
