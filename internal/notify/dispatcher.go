// Package notify fans detected events out to subscribers.
//
// One attempt per event, per recipient, per process. A failed send is logged
// and never blocks the remaining recipients; retries are deliberately out of
// scope for live pings.
package notify

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"livebot/internal/bilibili"
	"livebot/internal/subs"
	"livebot/internal/transport"
	"livebot/pkg/logx"
)

// DefaultLiveTemplate formats live-start messages. Groups may override it;
// {name} and {title} are substituted.
const DefaultLiveTemplate = "{name} is live now!\n{title}"

type Config struct {
	// RatePerSec caps outgoing transport calls (shared across recipients).
	RatePerSec int
}

type Dispatcher struct {
	log     logx.Logger
	store   *subs.Store
	tr      transport.Transport
	limiter *rate.Limiter
}

func NewDispatcher(cfg Config, store *subs.Store, tr transport.Transport, log logx.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:     log,
		store:   store,
		tr:      tr,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// LiveStarted notifies every subscriber that the streamer went live.
func (d *Dispatcher) LiveStarted(ctx context.Context, st subs.Streamer) {
	groups, users := d.store.SubscribersOf(st.UID)

	for _, g := range groups {
		segs := liveStartSegments(st, g.Template, g.AtAll)
		d.sendGroup(ctx, g.ID, st.UID, segs)
	}
	for _, id := range users {
		segs := liveStartSegments(st, "", false)
		d.sendUser(ctx, id, st.UID, segs)
	}
}

// LiveEnded notifies every subscriber that the stream is over.
func (d *Dispatcher) LiveEnded(ctx context.Context, st subs.Streamer) {
	groups, users := d.store.SubscribersOf(st.UID)
	segs := []transport.Segment{transport.Text(st.Name + " has gone offline.")}

	for _, g := range groups {
		d.sendGroup(ctx, g.ID, st.UID, segs)
	}
	for _, id := range users {
		d.sendUser(ctx, id, st.UID, segs)
	}
}

// FeedItem notifies every subscriber about one new feed entry. Feed posts
// never mention-all; that flag is for live starts only.
func (d *Dispatcher) FeedItem(ctx context.Context, st subs.Streamer, item bilibili.FeedItem) {
	groups, users := d.store.SubscribersOf(st.UID)
	segs := feedSegments(st, item)

	for _, g := range groups {
		d.sendGroup(ctx, g.ID, st.UID, segs)
	}
	for _, id := range users {
		d.sendUser(ctx, id, st.UID, segs)
	}
}

func (d *Dispatcher) sendGroup(ctx context.Context, gid, uid int64, segs []transport.Segment) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	if err := d.tr.SendGroup(ctx, gid, segs); err != nil {
		d.log.Error("group delivery failed",
			logx.Int64("group", gid), logx.Int64("uid", uid), logx.Err(err))
	}
}

func (d *Dispatcher) sendUser(ctx context.Context, id, uid int64, segs []transport.Segment) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	if err := d.tr.SendUser(ctx, id, segs); err != nil {
		d.log.Error("user delivery failed",
			logx.Int64("user", id), logx.Int64("uid", uid), logx.Err(err))
	}
}

// ---- message building ----

func liveStartSegments(st subs.Streamer, tmpl string, atAll bool) []transport.Segment {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultLiveTemplate
	}
	text := strings.NewReplacer("{name}", st.Name, "{title}", st.Title).Replace(tmpl)
	if st.RoomID != 0 {
		text += fmt.Sprintf("\nhttps://live.bilibili.com/%d", st.RoomID)
	}

	segs := make([]transport.Segment, 0, 3)
	if atAll {
		segs = append(segs, transport.AtAll())
	}
	segs = append(segs, transport.Text(text))
	if st.CoverURL != "" {
		segs = append(segs, transport.Image(st.CoverURL))
	}
	return segs
}

func feedSegments(st subs.Streamer, item bilibili.FeedItem) []transport.Segment {
	var b strings.Builder
	b.WriteString(st.Name)

	switch item.Kind {
	case bilibili.ItemVideo:
		b.WriteString(" posted a video:")
	case bilibili.ItemGallery:
		b.WriteString(" posted:")
	case bilibili.ItemForward:
		b.WriteString(" reposted:")
	default:
		b.WriteString(" posted:")
	}
	if item.Text != "" {
		b.WriteString("\n")
		b.WriteString(item.Text)
	}
	if item.Kind == bilibili.ItemForward && item.Origin != nil && item.Origin.Text != "" {
		b.WriteString("\n> ")
		b.WriteString(item.Origin.Text)
	}
	if item.URL != "" {
		b.WriteString("\n")
		b.WriteString(item.URL)
	}

	segs := []transport.Segment{transport.Text(b.String())}
	media := item.MediaURL
	if media == "" && item.Origin != nil {
		media = item.Origin.MediaURL
	}
	if media != "" {
		segs = append(segs, transport.Image(media))
	}
	return segs
}
