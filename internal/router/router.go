// Package router fans inbound stream messages out to the Telegram users
// subscribed to each source account, applying per-user filters and the
// dedupe window before delivery.
package router

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	gotwitter "github.com/dghubble/go-twitter/twitter"

	"twitter2telegram/internal/model"
	"twitter2telegram/internal/ttlcache"
)

// Button is one inline-keyboard callback button.
type Button struct {
	Label string
	Data  string
}

// MediaKind selects the Telegram input-media type for an attachment.
type MediaKind int

const (
	MediaPhoto MediaKind = iota
	MediaVideo
	MediaAnimation
)

// MediaItem is one attachment extracted from a tweet.
type MediaItem struct {
	Kind    MediaKind
	URL     string
	Caption string
}

// Sender issues outbound Telegram deliveries.
type Sender interface {
	SendTweet(chatID int64, text string, buttons []Button) error
	SendMediaGroup(chatID int64, media []MediaItem) error
}

// Index is the read surface of the subscription manager the router needs.
type Index interface {
	Recipients(authorID int64) []int64
	Blocked(userID, twitterUserID int64, kind model.BlacklistType) bool
	Counters(userID, twitterUserID int64) (followRT, blockRT int64)
	Follows(userID, twitterUserID int64) bool
	UserPrefs(userID int64) (disableRetweet, disableTextMsg bool)
}

// Router consumes the inbound queue and delivers tweets to subscribers.
type Router struct {
	index  Index
	sender Sender
	dedupe *ttlcache.Cache[string, struct{}]
	log    *slog.Logger

	now func() time.Time

	// Optional instrumentation hooks.
	OnTweet     func()
	OnNonTweet  func()
	OnDedupeHit func()
	OnSend      func()
	OnSendError func()
}

// New creates a Router. The dedupe cache's TTL bounds the window during
// which a (user, tweet url) pair is delivered at most once.
func New(index Index, sender Sender, dedupe *ttlcache.Cache[string, struct{}], log *slog.Logger) *Router {
	return &Router{
		index:  index,
		sender: sender,
		dedupe: dedupe,
		log:    log,
		now:    time.Now,
	}
}

// Run consumes the inbound queue until ctx is cancelled or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			r.route(m)
		}
	}
}

func (r *Router) route(m interface{}) {
	switch t := m.(type) {
	case *gotwitter.Tweet:
		if r.OnTweet != nil {
			r.OnTweet()
		}
		r.routeTweet(t)
	default:
		r.log.Debug("dropping non-tweet stream message", "type", fmt.Sprintf("%T", m))
		if r.OnNonTweet != nil {
			r.OnNonTweet()
		}
	}
}

func (r *Router) routeTweet(t *gotwitter.Tweet) {
	ev, ok := formatTweet(t, r.now())
	if !ok {
		return
	}
	for _, uid := range r.index.Recipients(ev.AuthorID) {
		if !r.deliverable(uid, ev) {
			continue
		}
		r.send(uid, ev)
	}
}

// deliverable applies the dedupe window and the per-user filters. The
// fingerprint is recorded before the blocklist check, matching the original
// behaviour: a blocked tweet still occupies its dedupe slot.
func (r *Router) deliverable(uid int64, ev Event) bool {
	key := dedupeKey(uid, ev.URL)
	if _, hit := r.dedupe.Get(key); hit {
		if r.OnDedupeHit != nil {
			r.OnDedupeHit()
		}
		return false
	}
	r.dedupe.Set(key, struct{}{})

	if ev.RetweetAuthorID != 0 {
		disableRetweet, _ := r.index.UserPrefs(uid)
		if disableRetweet {
			return false
		}
		if r.index.Blocked(uid, ev.RetweetAuthorID, model.BlockTwitter) {
			return false
		}
		if r.index.Blocked(uid, ev.AuthorID, model.BlockRT) {
			return false
		}
	}
	return true
}

func (r *Router) send(uid int64, ev Event) {
	if len(ev.Media) > 0 {
		if err := r.sender.SendMediaGroup(uid, ev.Media); err != nil {
			r.log.Error("send media group", "user", uid, "err", err)
			if r.OnSendError != nil {
				r.OnSendError()
			}
		}
		if _, disableTextMsg := r.index.UserPrefs(uid); disableTextMsg {
			return
		}
	}
	if err := r.sender.SendTweet(uid, ev.Text, r.keyboard(uid, ev)); err != nil {
		r.log.Error("send message", "user", uid, "err", err)
		if r.OnSendError != nil {
			r.OnSendError()
		}
		return
	}
	if r.OnSend != nil {
		r.OnSend()
	}
}

// dedupeKey fingerprints one (user, tweet url) delivery.
func dedupeKey(userID int64, tweetURL string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%s", userID, tweetURL)))
	return hex.EncodeToString(sum[:])
}
