// Package commands implements the chat command surface. Group chats operate
// on the group subscription namespace, private chats on the user namespace.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"livebot/internal/bilibili"
	"livebot/internal/subs"
	"livebot/internal/transport"
	"livebot/pkg/logx"
)

// Lookup resolves a UID against the platform, used to create streamer
// records lazily on first subscribe.
type Lookup interface {
	LookupStreamer(ctx context.Context, uid int64) (bilibili.StatusInfo, error)
}

type Handler struct {
	log     logx.Logger
	store   *subs.Store
	lookup  Lookup
	replier transport.Replier
}

func NewHandler(store *subs.Store, lookup Lookup, replier transport.Replier, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{log: log, store: store, lookup: lookup, replier: replier}
}

// Run consumes inbound messages until ctx is done or updates closes.
func (h *Handler) Run(ctx context.Context, updates <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-updates:
			if !ok {
				return nil
			}
			h.Handle(ctx, m)
		}
	}
}

// Handle processes one message. Non-commands are ignored.
func (h *Handler) Handle(ctx context.Context, m transport.Message) {
	cmd, args := splitCommand(m.Text)
	if cmd == "" {
		return
	}

	var reply string
	switch cmd {
	case "sub", "subscribe":
		reply = h.cmdSubscribe(ctx, m, args)
	case "unsub", "unsubscribe":
		reply = h.cmdUnsubscribe(m, args)
	case "unsuball":
		n := h.store.UnsubscribeAll(kindOf(m), m.ChatID)
		reply = fmt.Sprintf("Removed %d subscription(s).", n)
	case "list":
		reply = h.cmdList(m)
	case "atall":
		reply = h.cmdGroupFlag(m, args, "atall")
	case "notify":
		reply = h.cmdGroupFlag(m, args, "notify")
	case "template":
		reply = h.cmdTemplate(m, args)
	case "help", "start":
		reply = helpText
	default:
		return
	}

	if reply == "" {
		return
	}
	if err := h.replier.Reply(ctx, m, reply); err != nil {
		h.log.Error("reply failed", logx.Int64("chat", m.ChatID), logx.Err(err))
	}
}

const helpText = `Commands:
/sub <uid> - subscribe to a streamer
/unsub <uid> - unsubscribe
/unsuball - drop all subscriptions
/list - show subscriptions
/atall on|off - mention everyone on live start (groups)
/notify on|off - toggle notifications (groups)
/template <text> - live message template, {name} and {title} substituted (groups)`

func (h *Handler) cmdSubscribe(ctx context.Context, m transport.Message, args []string) string {
	uid, ok := parseUID(args)
	if !ok {
		return "Usage: /sub <uid>"
	}

	// Create the streamer record lazily, but only after the platform
	// confirms the UID exists.
	if _, exists := h.store.Streamer(uid); !exists {
		lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		info, err := h.lookup.LookupStreamer(lctx, uid)
		cancel()
		if errors.Is(err, bilibili.ErrStreamerNotFound) {
			return fmt.Sprintf("No streamer with UID %d.", uid)
		}
		if err != nil {
			h.log.Warn("streamer lookup failed", logx.Int64("uid", uid), logx.Err(err))
			return "Lookup failed, try again later."
		}
		h.store.UpsertStreamer(subs.Streamer{
			UID:         uid,
			Name:        info.Name,
			RoomID:      info.RoomID,
			Title:       info.Title,
			CoverURL:    info.CoverURL,
			AvatarURL:   info.AvatarURL,
			Status:      info.Status,
			StatusSince: info.StatusSince,
		})
	}

	var added bool
	var err error
	if m.IsGroup {
		added, err = h.store.SubscribeGroup(m.ChatID, uid)
	} else {
		added, err = h.store.SubscribeUser(m.ChatID, uid)
	}
	if err != nil {
		// Record vanished between the check and the subscribe.
		return "Lookup failed, try again later."
	}
	st, _ := h.store.Streamer(uid)
	if !added {
		return fmt.Sprintf("Already subscribed to %s.", st.Name)
	}
	return fmt.Sprintf("Subscribed to %s.", st.Name)
}

func (h *Handler) cmdUnsubscribe(m transport.Message, args []string) string {
	uid, ok := parseUID(args)
	if !ok {
		return "Usage: /unsub <uid>"
	}
	var removed bool
	if m.IsGroup {
		removed = h.store.UnsubscribeGroup(m.ChatID, uid)
	} else {
		removed = h.store.UnsubscribeUser(m.ChatID, uid)
	}
	if !removed {
		return "Not subscribed to that streamer."
	}
	return "Unsubscribed."
}

func (h *Handler) cmdList(m transport.Message) string {
	list := h.store.SubscribedStreamers(kindOf(m), m.ChatID)
	if len(list) == 0 {
		return "No subscriptions. Use /sub <uid> to add one."
	}
	var b strings.Builder
	b.WriteString("Subscriptions:\n")
	for _, st := range list {
		fmt.Fprintf(&b, "%d  %s (%s)\n", st.UID, st.Name, st.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) cmdGroupFlag(m transport.Message, args []string, flag string) string {
	if !m.IsGroup {
		return "This command only works in groups."
	}
	on, ok := parseOnOff(args)
	if !ok {
		return fmt.Sprintf("Usage: /%s on|off", flag)
	}
	switch flag {
	case "atall":
		h.store.SetGroupAtAll(m.ChatID, on)
		if on {
			return "Will mention everyone on live start."
		}
		return "Mention-all disabled."
	case "notify":
		h.store.SetGroupEnabled(m.ChatID, on)
		if on {
			return "Notifications enabled."
		}
		return "Notifications disabled."
	}
	return ""
}

func (h *Handler) cmdTemplate(m transport.Message, args []string) string {
	if !m.IsGroup {
		return "This command only works in groups."
	}
	tmpl := strings.TrimSpace(strings.Join(args, " "))
	h.store.SetGroupTemplate(m.ChatID, tmpl)
	if tmpl == "" {
		return "Template reset to default."
	}
	return "Template updated."
}

// ---- parsing helpers ----

// splitCommand extracts "sub" and args from "/sub@botname 123".
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

func parseUID(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	uid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || uid <= 0 {
		return 0, false
	}
	return uid, true
}

func parseOnOff(args []string) (bool, bool) {
	if len(args) != 1 {
		return false, false
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func kindOf(m transport.Message) subs.Kind {
	if m.IsGroup {
		return subs.KindGroup
	}
	return subs.KindUser
}
