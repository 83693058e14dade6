// Package bilibili is the HTTP client for the live-streaming platform:
// batched live-status lookups and per-streamer dynamics feeds.
package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"livebot/internal/subs"
	"livebot/pkg/logx"
)

var ErrStreamerNotFound = errors.New("streamer not found")

const (
	defaultLiveBase = "https://api.live.bilibili.com"
	defaultFeedBase = "https://api.vc.bilibili.com"
	defaultTimeout  = 10 * time.Second
)

type Config struct {
	Timeout   time.Duration
	UserAgent string

	// Overridable in tests.
	LiveBase string
	FeedBase string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LiveBase == "" {
		cfg.LiveBase = defaultLiveBase
	}
	if cfg.FeedBase == "" {
		cfg.FeedBase = defaultFeedBase
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// apiEnvelope is the common {code, message, data} wrapper.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type statusPayload struct {
	Title         string `json:"title"`
	RoomID        int64  `json:"room_id"`
	LiveStatus    int    `json:"live_status"`
	Uname         string `json:"uname"`
	Face          string `json:"face"`
	CoverFromUser string `json:"cover_from_user"`
	LiveTime      int64  `json:"live_time"`
}

// FetchStatus resolves live status for a batch of streamers in one call.
// UIDs the platform does not know are simply absent from the result.
func (c *Client) FetchStatus(ctx context.Context, uids []int64) (map[int64]StatusInfo, error) {
	if len(uids) == 0 {
		return map[int64]StatusInfo{}, nil
	}
	body, err := json.Marshal(map[string][]int64{"uids": uids})
	if err != nil {
		return nil, err
	}
	url := c.cfg.LiveBase + "/room/v1/Room/get_status_info_by_uids"
	data, err := c.call(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// Keys arrive as decimal UID strings.
	var raw map[string]statusPayload
	if len(data) > 0 && !bytes.Equal(data, []byte("[]")) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode status payload: %w", err)
		}
	}

	out := make(map[int64]StatusInfo, len(raw))
	for key, p := range raw {
		uid, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[uid] = statusInfoFrom(uid, p)
	}
	return out, nil
}

// LookupStreamer resolves a single UID, used for lazy record creation when a
// subscribe command references an unknown streamer.
func (c *Client) LookupStreamer(ctx context.Context, uid int64) (StatusInfo, error) {
	m, err := c.FetchStatus(ctx, []int64{uid})
	if err != nil {
		return StatusInfo{}, err
	}
	info, ok := m[uid]
	if !ok {
		return StatusInfo{}, ErrStreamerNotFound
	}
	return info, nil
}

func statusInfoFrom(uid int64, p statusPayload) StatusInfo {
	st := subs.StatusOffline
	switch p.LiveStatus {
	case 1:
		st = subs.StatusLive
	case 2:
		st = subs.StatusCarousel
	}
	var since time.Time
	if p.LiveTime > 0 {
		since = time.Unix(p.LiveTime, 0)
	}
	return StatusInfo{
		UID:         uid,
		Status:      st,
		StatusSince: since,
		Name:        p.Uname,
		RoomID:      p.RoomID,
		Title:       p.Title,
		CoverURL:    p.CoverFromUser,
		AvatarURL:   p.Face,
	}
}

func (c *Client) call(ctx context.Context, method, url string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("api error %d: %s", env.Code, env.Message)
	}
	return env.Data, nil
}
