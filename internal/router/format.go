package router

import (
	"fmt"
	"strings"
	"time"

	gotwitter "github.com/dghubble/go-twitter/twitter"
)

// recencyWindow drops tweets older than three days; delayed stream replays
// after reconnects should not resurface stale posts.
const recencyWindow = 72 * time.Hour

// Event is the routed shape of one inbound tweet.
type Event struct {
	AuthorID        int64
	AuthorHandle    string
	RetweetAuthorID int64 // 0 for direct tweets
	URL             string
	Text            string // MarkdownV2 payload
	Media           []MediaItem
}

// formatTweet derives the routed event from a raw tweet. It returns false
// for tweets outside the recency window and for self-retweets.
func formatTweet(t *gotwitter.Tweet, now time.Time) (Event, bool) {
	if t.User == nil {
		return Event{}, false
	}

	caption := t.User.ScreenName
	createdAt, err := t.CreatedAtTime()
	if err != nil {
		createdAt = now
	}
	tweetURL := fmt.Sprintf("https://twitter.com/%s/status/%d", t.User.ScreenName, t.ID)

	var retweetAuthorID int64
	if rt := t.RetweetedStatus; rt != nil {
		if ts, err := rt.CreatedAtTime(); err == nil {
			createdAt = ts
		}
		if rt.User != nil {
			caption = rt.User.ScreenName
			retweetAuthorID = rt.User.ID
			tweetURL = fmt.Sprintf("https://twitter.com/%s/status/%d", rt.User.ScreenName, rt.ID)
		}
	}

	if createdAt.Before(now.Add(-recencyWindow)) {
		return Event{}, false
	}
	if t.User.ID == retweetAuthorID {
		return Event{}, false
	}

	media := mediaItems(t, caption)

	text := t.Text
	if text == "" {
		text = t.FullText
	}
	if len(media) > 0 {
		// Keep media group captions clean of Twitter's own link wrappers.
		text = strings.ReplaceAll(text, "https://t.co", "t_co")
		text = strings.ReplaceAll(text, "https://twitter.com", "twitter_com")
	}

	return Event{
		AuthorID:        t.User.ID,
		AuthorHandle:    t.User.ScreenName,
		RetweetAuthorID: retweetAuthorID,
		URL:             tweetURL,
		Text:            fmt.Sprintf("*%s*: %s", escapeMarkdown(t.User.ScreenName), escapeMarkdown(text)),
		Media:           media,
	}, true
}

func mediaItems(t *gotwitter.Tweet, caption string) []MediaItem {
	var entities []gotwitter.MediaEntity
	if t.ExtendedEntities != nil {
		entities = t.ExtendedEntities.Media
	} else if t.Entities != nil {
		entities = t.Entities.Media
	}

	items := make([]MediaItem, 0, len(entities))
	for i := range entities {
		if item, ok := mediaItem(&entities[i], caption); ok {
			items = append(items, item)
		}
	}
	return items
}

func mediaItem(m *gotwitter.MediaEntity, caption string) (MediaItem, bool) {
	if url := maxBitrateVariant(m); url != "" {
		return MediaItem{Kind: MediaVideo, URL: url, Caption: caption}, true
	}
	switch m.Type {
	case "photo":
		return MediaItem{Kind: MediaPhoto, URL: m.MediaURLHttps, Caption: caption}, true
	case "animated_gif":
		return MediaItem{Kind: MediaAnimation, URL: m.MediaURLHttps, Caption: caption}, true
	}
	return MediaItem{}, false
}

// maxBitrateVariant returns the URL of the highest-bitrate video variant,
// or "" when the entity carries no video.
func maxBitrateVariant(m *gotwitter.MediaEntity) string {
	best := ""
	bestBitrate := -1
	for _, v := range m.VideoInfo.Variants {
		if v.URL != "" && v.Bitrate > bestBitrate {
			best = v.URL
			bestBitrate = v.Bitrate
		}
	}
	return best
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
