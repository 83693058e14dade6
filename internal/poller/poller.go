// Package poller drives the two recurring poll cycles: live status and
// dynamics feed. The cycles are scheduled independently and fail
// independently; one stalling never blocks the other.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"livebot/internal/bilibili"
	"livebot/internal/subs"
	"livebot/internal/watch"
	"livebot/pkg/logx"
)

// StatusFetcher resolves current live status for a batch of streamers.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, uids []int64) (map[int64]bilibili.StatusInfo, error)
}

// FeedFetcher pulls one streamer's recent feed entries.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, uid int64) ([]bilibili.FeedItem, error)
}

// Sink receives detected events. Implemented by notify.Dispatcher.
type Sink interface {
	LiveStarted(ctx context.Context, st subs.Streamer)
	LiveEnded(ctx context.Context, st subs.Streamer)
	FeedItem(ctx context.Context, st subs.Streamer, item bilibili.FeedItem)
}

type Config struct {
	StatusInterval time.Duration
	FeedInterval   time.Duration
	FetchTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.FeedInterval <= 0 {
		c.FeedInterval = 5 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

type Service struct {
	log    logx.Logger
	store  *subs.Store
	cache  *watch.Cache
	status StatusFetcher
	feed   FeedFetcher
	sink   Sink

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	baseCtx context.Context
	running bool

	// Reentrancy guards: a cycle that overruns its interval is skipped, not
	// stacked, so snapshot writes never overlap.
	statusBusy atomic.Bool
	feedBusy   atomic.Bool
}

func New(cfg Config, store *subs.Store, cache *watch.Cache, status StatusFetcher, feed FeedFetcher, sink Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		store:  store,
		cache:  cache,
		status: status,
		feed:   feed,
		sink:   sink,
		cfg:    cfg.withDefaults(),
	}
}

// Start schedules both cycles. ctx bounds all work started by the poller.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.baseCtx = ctx
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.running = true
	s.log.Info("poller started",
		logx.Duration("status_interval", s.cfg.StatusInterval),
		logx.Duration("feed_interval", s.cfg.FeedInterval))
	return nil
}

func (s *Service) startCronLocked() error {
	c := cron.New()
	ctx := s.baseCtx
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.StatusInterval), func() {
		s.PollStatusOnce(ctx)
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.FeedInterval), func() {
		s.PollFeedOnce(ctx)
	}); err != nil {
		return err
	}
	c.Start()
	s.c = c
	return nil
}

// Apply updates the intervals, restarting the schedule if it changed.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return
	}
	s.cfg = cfg
	if !s.running {
		return
	}
	if s.c != nil {
		s.c.Stop()
	}
	if err := s.startCronLocked(); err != nil {
		s.log.Error("reschedule failed", logx.Err(err))
	}
}

// Stop stops scheduling new cycles and waits for an in-flight one to finish,
// up to ctx's deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	jobs := c.Stop() // context done when running jobs complete
	select {
	case <-jobs.Done():
		return nil
	case <-ctx.Done():
		s.log.Warn("poll cycle abandoned at shutdown")
		return ctx.Err()
	}
}

// PollStatusOnce runs one status cycle: enumerate tracked streamers, batch
// fetch, classify transitions, dispatch. Exported so commands/tests can
// trigger an immediate poll.
func (s *Service) PollStatusOnce(ctx context.Context) {
	if !s.statusBusy.CompareAndSwap(false, true) {
		s.log.Debug("status cycle still running; skipping tick")
		return
	}
	defer s.statusBusy.Store(false)

	uids := s.store.TrackedUIDs()
	s.cache.PruneExcept(uids)
	if len(uids) == 0 {
		return
	}

	s.mu.Lock()
	timeout := s.cfg.FetchTimeout
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, timeout)
	infos, err := s.status.FetchStatus(fctx, uids)
	cancel()
	if err != nil {
		// Cached state stays put; the next successful fetch catches up.
		s.log.Warn("status fetch failed", logx.Int("uids", len(uids)), logx.Err(err))
		return
	}

	for _, uid := range uids {
		info, ok := infos[uid]
		if !ok {
			continue // partial result; tolerated
		}
		st, ok := s.store.Streamer(uid)
		if !ok {
			continue // unsubscribed between enumeration and fetch
		}
		st = mergeStatus(st, info)
		s.store.UpsertStreamer(st)

		switch s.cache.Classify(uid, info.Status, info.StatusSince) {
		case watch.TransitionStarted:
			s.log.Info("stream started", logx.Int64("uid", uid), logx.String("name", st.Name))
			s.sink.LiveStarted(ctx, st)
		case watch.TransitionEnded:
			s.log.Info("stream ended", logx.Int64("uid", uid), logx.String("name", st.Name))
			s.sink.LiveEnded(ctx, st)
		}
	}

	if err := s.cache.Save(ctx); err != nil {
		s.log.Error("status cache save failed", logx.Err(err))
	}
}

// PollFeedOnce runs one feed cycle. Fetch errors are per-streamer: one bad
// feed never aborts the rest.
func (s *Service) PollFeedOnce(ctx context.Context) {
	if !s.feedBusy.CompareAndSwap(false, true) {
		s.log.Debug("feed cycle still running; skipping tick")
		return
	}
	defer s.feedBusy.Store(false)

	uids := s.store.TrackedUIDs()
	if len(uids) == 0 {
		return
	}

	s.mu.Lock()
	timeout := s.cfg.FetchTimeout
	s.mu.Unlock()

	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		fctx, cancel := context.WithTimeout(ctx, timeout)
		items, err := s.feed.FetchFeed(fctx, uid)
		cancel()
		if err != nil {
			s.log.Warn("feed fetch failed", logx.Int64("uid", uid), logx.Err(err))
			continue
		}

		fresh := s.cache.FreshItems(uid, items, time.Now())
		if len(fresh) == 0 {
			continue
		}
		st, ok := s.store.Streamer(uid)
		if !ok {
			continue
		}
		for _, item := range fresh {
			s.sink.FeedItem(ctx, st, item)
		}
	}

	if err := s.cache.Save(ctx); err != nil {
		s.log.Error("feed cache save failed", logx.Err(err))
	}
}

// mergeStatus folds fetched metadata into the stored record, keeping stored
// values where the platform returned blanks.
func mergeStatus(st subs.Streamer, info bilibili.StatusInfo) subs.Streamer {
	if info.Name != "" {
		st.Name = info.Name
	}
	if info.RoomID != 0 {
		st.RoomID = info.RoomID
	}
	if info.Title != "" {
		st.Title = info.Title
	}
	if info.CoverURL != "" {
		st.CoverURL = info.CoverURL
	}
	if info.AvatarURL != "" {
		st.AvatarURL = info.AvatarURL
	}
	st.Status = info.Status
	st.StatusSince = info.StatusSince
	return st
}
