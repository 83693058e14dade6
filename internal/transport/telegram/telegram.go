package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/transport"
	"livebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges the transport contract onto a Telegram bot. Outbound
// segment slices are rendered into one Telegram message (photo with caption
// when an image segment is present); inbound text messages are forwarded to
// the update channel.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out atomic.Value // stores (chan<- transport.Message)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(transport.Message{
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(m transport.Message) {
	ch, _ := a.out.Load().(chan<- transport.Message)
	if ch == nil {
		return
	}
	select {
	case ch <- m:
	default:
		n := atomic.AddUint64(&a.droppedUpdates, 1)
		if n%100 == 1 {
			a.log.Warn("dropping inbound updates; consumer too slow", logx.Int64("dropped", int64(n)))
		}
	}
}

// Start begins long-polling. Inbound messages are pushed to out (non-blocking;
// overflow is dropped and counted).
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return errors.New("telegram adapter already started")
	}
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup.Go("telegram-poll", func(ctx context.Context) error {
		a.bot.Start()
		return nil
	})
	a.sup.Go("telegram-stop-watch", func(ctx context.Context) error {
		<-ctx.Done()
		a.bot.Stop()
		return nil
	})
	a.running = true
	a.log.Info("telegram adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

// ---- outbound ----

func (a *Adapter) SendGroup(ctx context.Context, groupID int64, segs []transport.Segment) error {
	return a.send(ctx, groupID, segs)
}

func (a *Adapter) SendUser(ctx context.Context, userID int64, segs []transport.Segment) error {
	return a.send(ctx, userID, segs)
}

func (a *Adapter) Reply(ctx context.Context, m transport.Message, text string) error {
	return a.send(ctx, m.ChatID, []transport.Segment{transport.Text(text)})
}

func (a *Adapter) send(ctx context.Context, chatID int64, segs []transport.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text, imageURL := render(segs)
	to := tele.ChatID(chatID)

	if imageURL != "" {
		photo := &tele.Photo{File: tele.FromURL(imageURL), Caption: text}
		_, err := a.bot.Send(to, photo)
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := a.bot.Send(to, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// render flattens segments into caption text plus at most one image.
// Telegram has no native mention-everyone, so the at-all marker becomes a
// loud prefix line instead.
func render(segs []transport.Segment) (text string, imageURL string) {
	var b strings.Builder
	for _, s := range segs {
		switch s.Type {
		case transport.SegmentAtAll:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("\U0001F4E2 @everyone")
		case transport.SegmentText:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(s.Text)
		case transport.SegmentImage:
			if imageURL == "" {
				imageURL = s.URL
			}
		}
	}
	return b.String(), imageURL
}
