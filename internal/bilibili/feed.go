package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"livebot/pkg/logx"
)

// Dynamics card types we understand. Anything else is skipped.
const (
	cardForward = 1
	cardGallery = 2
	cardText    = 4
	cardVideo   = 8
)

type feedData struct {
	Cards []feedCard `json:"cards"`
}

type feedCard struct {
	Desc feedDesc `json:"desc"`
	// Card is a JSON document whose shape depends on Desc.Type.
	Card string `json:"card"`
}

type feedDesc struct {
	UID          int64  `json:"uid"`
	Type         int    `json:"type"`
	OrigType     int    `json:"orig_type"`
	Timestamp    int64  `json:"timestamp"`
	DynamicIDStr string `json:"dynamic_id_str"`
}

// FetchFeed returns the streamer's recent dynamics, newest first as the
// platform serves them. Order is not relied on downstream; the watermark
// logic sorts what it keeps.
func (c *Client) FetchFeed(ctx context.Context, uid int64) ([]FeedItem, error) {
	q := url.Values{}
	q.Set("host_uid", strconv.FormatInt(uid, 10))
	u := c.cfg.FeedBase + "/dynamic_svr/v1/dynamic_svr/space_history?" + q.Encode()

	data, err := c.call(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	var fd feedData
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("decode feed payload: %w", err)
	}

	items := make([]FeedItem, 0, len(fd.Cards))
	for _, card := range fd.Cards {
		item, err := parseCard(card)
		if err != nil {
			c.log.Debug("skipping unparseable feed card",
				logx.Int64("uid", uid),
				logx.String("dynamic_id", card.Desc.DynamicIDStr),
				logx.Err(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ---- card payload shapes ----

type videoCard struct {
	Title     string `json:"title"`
	Pic       string `json:"pic"`
	ShortLink string `json:"short_link_v2"`
}

type galleryCard struct {
	Item struct {
		Description string `json:"description"`
		Pictures    []struct {
			ImgSrc string `json:"img_src"`
		} `json:"pictures"`
	} `json:"item"`
}

type textCard struct {
	Item struct {
		Content string `json:"content"`
	} `json:"item"`
}

type forwardCard struct {
	Item struct {
		Content string `json:"content"`
	} `json:"item"`
	// Origin is the reposted card, again as a nested JSON document.
	Origin string `json:"origin"`
}

func parseCard(card feedCard) (FeedItem, error) {
	item := FeedItem{
		ID:          card.Desc.DynamicIDStr,
		UID:         card.Desc.UID,
		PublishedAt: time.Unix(card.Desc.Timestamp, 0),
		URL:         "https://t.bilibili.com/" + card.Desc.DynamicIDStr,
	}

	switch card.Desc.Type {
	case cardVideo:
		var v videoCard
		if err := json.Unmarshal([]byte(card.Card), &v); err != nil {
			return FeedItem{}, err
		}
		item.Kind = ItemVideo
		item.Text = v.Title
		item.MediaURL = v.Pic
		if v.ShortLink != "" {
			item.URL = v.ShortLink
		}

	case cardGallery:
		var g galleryCard
		if err := json.Unmarshal([]byte(card.Card), &g); err != nil {
			return FeedItem{}, err
		}
		item.Kind = ItemGallery
		item.Text = g.Item.Description
		if len(g.Item.Pictures) > 0 {
			item.MediaURL = g.Item.Pictures[0].ImgSrc
		}

	case cardText:
		var t textCard
		if err := json.Unmarshal([]byte(card.Card), &t); err != nil {
			return FeedItem{}, err
		}
		item.Kind = ItemText
		item.Text = t.Item.Content

	case cardForward:
		var f forwardCard
		if err := json.Unmarshal([]byte(card.Card), &f); err != nil {
			return FeedItem{}, err
		}
		item.Kind = ItemForward
		item.Text = f.Item.Content
		if f.Origin != "" {
			origin, err := parseCard(feedCard{
				Desc: feedDesc{
					UID:       card.Desc.UID,
					Type:      card.Desc.OrigType,
					Timestamp: card.Desc.Timestamp,
				},
				Card: f.Origin,
			})
			if err == nil {
				item.Origin = &origin
			}
		}

	default:
		return FeedItem{}, fmt.Errorf("unsupported card type %d", card.Desc.Type)
	}

	return item, nil
}
