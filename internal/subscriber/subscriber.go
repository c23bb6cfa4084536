// Package subscriber is the Twitter subscription manager. It multiplexes
// per-user credentials and followed accounts onto a bounded set of streaming
// sessions, balances accounts across credentials, and keeps the
// account/credential/user indexes consistent while Telegram handlers mutate
// them concurrently.
package subscriber

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"twitter2telegram/internal/model"
	"twitter2telegram/internal/twitter"
)

const rebalanceQueueSize = 100

var (
	// ErrCredentialExpired reports a token that failed the liveness probe.
	ErrCredentialExpired = errors.New("twitter authorization has expired")
	// ErrNoCredential reports that no valid token is registered.
	ErrNoCredential = errors.New("no valid twitter token")
	// ErrUnknownCredential reports a removal for an unregistered token.
	ErrUnknownCredential = errors.New("unknown twitter token")
)

const expiredNotice = "Your Twitter authorization has expired, you will not receive future messages."

// Notifier delivers plain-text notices to a Telegram user.
type Notifier interface {
	SendText(chatID int64, text string) error
}

// credential is one registered token and the state of its streaming session.
type credential struct {
	userID  int64
	token   twitter.Token
	blob    string
	follows []int64 // accounts this credential's session is filtered on

	cancel  func() // cancels the live session, nil when idle
	session uint64 // bumped per session, identifies the owning worker
}

type blockKey struct {
	twitterUserID int64
	kind          model.BlacklistType
}

type prefs struct {
	disableRetweet bool
	disableTextMsg bool
}

// Subscriber owns the subscription index and the credential registry. One
// read-write lock covers both; write sections never perform I/O.
type Subscriber struct {
	api      twitter.API
	notifier Notifier
	log      *slog.Logger

	tweetCh     chan<- interface{}
	rebalanceCh chan string

	mu             sync.RWMutex
	tokens         map[string]*credential // keyed by token hash
	tokenOrder     []string               // newest first
	accountToToken map[int64]string
	accountToUsers map[int64][]int64 // insertion order preserved
	followsByUser  map[int64]map[int64]struct{}
	blacklist      map[int64]map[blockKey]struct{}
	followRTCount  map[int64]map[int64]int64
	blockRTCount   map[int64]map[int64]int64
	userPrefs      map[int64]prefs

	// retryDelay is the pause before reopening a stream after a transient
	// transport fault.
	retryDelay time.Duration

	// Optional instrumentation hooks.
	OnRebalance         func()
	OnSessionStart      func()
	OnCredentialExpired func(userID int64, hash string)
}

// New creates an empty Subscriber. Inbound stream messages are pushed to
// tweetCh; the channel bounds backpressure toward the stream workers.
func New(api twitter.API, notifier Notifier, tweetCh chan<- interface{}, log *slog.Logger) *Subscriber {
	return &Subscriber{
		api:            api,
		notifier:       notifier,
		log:            log,
		tweetCh:        tweetCh,
		rebalanceCh:    make(chan string, rebalanceQueueSize),
		tokens:         make(map[string]*credential),
		accountToToken: make(map[int64]string),
		accountToUsers: make(map[int64][]int64),
		followsByUser:  make(map[int64]map[int64]struct{}),
		blacklist:      make(map[int64]map[blockKey]struct{}),
		followRTCount:  make(map[int64]map[int64]int64),
		blockRTCount:   make(map[int64]map[int64]int64),
		userPrefs:      make(map[int64]prefs),
		retryDelay:     3 * time.Second,
	}
}

// AddToken registers a credential after probing it. Re-adding the same blob
// is a no-op. The probe runs without the lock; the registry is re-checked
// before insertion.
func (s *Subscriber) AddToken(userID int64, blob string) error {
	tok, err := twitter.ParseToken(blob)
	if err != nil {
		return err
	}
	hash := twitter.Hash(blob)

	s.mu.RLock()
	_, exists := s.tokens[hash]
	s.mu.RUnlock()
	if exists {
		s.log.Warn("token already registered", "hash", hash)
		return nil
	}

	valid, err := s.api.CheckToken(tok)
	if err != nil {
		return fmt.Errorf("token probe: %w", err)
	}
	if !valid {
		return ErrCredentialExpired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[hash]; exists {
		return nil
	}
	s.tokens[hash] = &credential{userID: userID, token: tok, blob: blob}
	s.tokenOrder = append([]string{hash}, s.tokenOrder...)
	s.log.Info("token registered", "hash", hash, "user", userID)
	return nil
}

// pickLeastLoaded returns the hash of the credential carrying the fewest
// accounts, preferring the most recently added on ties. Caller holds mu.
func (s *Subscriber) pickLeastLoaded() string {
	best := s.tokenOrder[0]
	bestCount := len(s.tokens[best].follows)
	if bestCount == 0 {
		return best
	}
	for _, h := range s.tokenOrder {
		if n := len(s.tokens[h].follows); n < bestCount {
			best, bestCount = h, n
			if n == 0 {
				break
			}
		}
	}
	return best
}

// AddFollow records a subscription. When the account was not yet tracked it
// is assigned to the least-loaded credential and that credential's blob is
// returned so the caller can enqueue a rebalance; otherwise the returned
// blob is empty.
func (s *Subscriber) AddFollow(f model.Follow, fromTwitterUserID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tokenOrder) == 0 {
		return "", ErrNoCredential
	}

	set := s.followsByUser[f.UserID]
	if set == nil {
		set = make(map[int64]struct{})
		s.followsByUser[f.UserID] = set
	}
	set[f.TwitterUserID] = struct{}{}

	if fromTwitterUserID > 0 {
		bump(s.followRTCount, f.UserID, fromTwitterUserID)
	}

	if _, tracked := s.accountToToken[f.TwitterUserID]; tracked {
		s.appendRecipientLocked(f.TwitterUserID, f.UserID)
		return "", nil
	}

	hash := s.pickLeastLoaded()
	cred := s.tokens[hash]
	cred.follows = append(cred.follows, f.TwitterUserID)
	s.accountToToken[f.TwitterUserID] = hash
	s.appendRecipientLocked(f.TwitterUserID, f.UserID)
	s.log.Info("account assigned", "account", f.TwitterUserID, "hash", hash, "load", len(cred.follows))
	return cred.blob, nil
}

func (s *Subscriber) appendRecipientLocked(twitterUserID, userID int64) {
	for _, u := range s.accountToUsers[twitterUserID] {
		if u == userID {
			return
		}
	}
	s.accountToUsers[twitterUserID] = append(s.accountToUsers[twitterUserID], userID)
}

// RemoveFollow unsubscribes a user from an account. When that was the last
// subscription keeping the account tracked, the account is detached from its
// credential, the credential's session is cancelled, and its blob is
// returned so the caller can enqueue a rebalance. Unknown subscriptions are
// tolerated silently.
func (s *Subscriber) RemoveFollow(userID, twitterUserID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeFollowLocked(userID, twitterUserID)
}

func (s *Subscriber) removeFollowLocked(userID, twitterUserID int64) string {
	users, tracked := s.accountToUsers[twitterUserID]
	if !tracked {
		return ""
	}

	if set := s.followsByUser[userID]; set != nil {
		delete(set, twitterUserID)
	}

	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			break
		}
	}
	if len(users) > 0 {
		s.accountToUsers[twitterUserID] = users
		return ""
	}

	delete(s.accountToUsers, twitterUserID)
	hash := s.accountToToken[twitterUserID]
	delete(s.accountToToken, twitterUserID)
	cred := s.tokens[hash]
	if cred == nil {
		return ""
	}
	for i, id := range cred.follows {
		if id == twitterUserID {
			cred.follows = append(cred.follows[:i], cred.follows[i+1:]...)
			break
		}
	}
	if cred.cancel != nil {
		cred.cancel()
		cred.cancel = nil
	}
	s.log.Info("account detached", "account", twitterUserID, "hash", hash, "load", len(cred.follows))
	return cred.blob
}

// RemoveToken tears down a credential: every subscription it carries is
// unwound, the session is cancelled, affected other credentials are
// rebalanced, and the owning user is notified.
func (s *Subscriber) RemoveToken(hash string) error {
	s.mu.Lock()
	cred, ok := s.tokens[hash]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownCredential
	}
	if cred.cancel != nil {
		cred.cancel()
		cred.cancel = nil
	}
	ownerID := cred.userID
	follows := append([]int64(nil), cred.follows...)

	restart := make(map[string]struct{})
	for _, account := range follows {
		users := append([]int64(nil), s.accountToUsers[account]...)
		for _, uid := range users {
			if blob := s.removeFollowLocked(uid, account); blob != "" && twitter.Hash(blob) != hash {
				restart[blob] = struct{}{}
			}
		}
	}

	delete(s.tokens, hash)
	for i, h := range s.tokenOrder {
		if h == hash {
			s.tokenOrder = append(s.tokenOrder[:i], s.tokenOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.log.Warn("token removed", "hash", hash, "user", ownerID, "follows", len(follows))
	for blob := range restart {
		s.EnqueueRebalance(blob)
	}
	if s.notifier != nil {
		if err := s.notifier.SendText(ownerID, expiredNotice); err != nil {
			s.log.Error("notify token owner", "user", ownerID, "err", err)
		}
	}
	if s.OnCredentialExpired != nil {
		s.OnCredentialExpired(ownerID, hash)
	}
	return nil
}

// Block inserts a blacklist entry. Inserting an existing entry is a no-op.
// fromTwitterUserID, when positive on a BlockTwitter entry, credits the
// retweeter that triggered the block.
func (s *Subscriber) Block(b model.Blacklist, fromTwitterUserID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Type == model.BlockTwitter && fromTwitterUserID > 0 {
		bump(s.blockRTCount, b.UserID, fromTwitterUserID)
	}

	list := s.blacklist[b.UserID]
	if list == nil {
		list = make(map[blockKey]struct{})
		s.blacklist[b.UserID] = list
	}
	list[blockKey{twitterUserID: b.TwitterUserID, kind: b.Type}] = struct{}{}
}

// Unblock removes a blacklist entry. Removing an absent entry is a no-op.
func (s *Subscriber) Unblock(userID, twitterUserID int64, kind model.BlacklistType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if list := s.blacklist[userID]; list != nil {
		delete(list, blockKey{twitterUserID: twitterUserID, kind: kind})
	}
}

// SetPrefs records a user's delivery preferences.
func (s *Subscriber) SetPrefs(userID int64, disableRetweet, disableTextMsg bool) {
	s.mu.Lock()
	s.userPrefs[userID] = prefs{disableRetweet: disableRetweet, disableTextMsg: disableTextMsg}
	s.mu.Unlock()
}

func bump(m map[int64]map[int64]int64, userID, twitterUserID int64) {
	inner := m[userID]
	if inner == nil {
		inner = make(map[int64]int64)
		m[userID] = inner
	}
	inner[twitterUserID]++
}

// Recipients returns the users subscribed to an account, in subscription order.
func (s *Subscriber) Recipients(authorID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.accountToUsers[authorID]...)
}

// Blocked reports whether the user has a blacklist entry of the given kind.
func (s *Subscriber) Blocked(userID, twitterUserID int64, kind model.BlacklistType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.blacklist[userID]
	if list == nil {
		return false
	}
	_, ok := list[blockKey{twitterUserID: twitterUserID, kind: kind}]
	return ok
}

// Counters returns the editorial counters shown on inline keyboards.
func (s *Subscriber) Counters(userID, twitterUserID int64) (followRT, blockRT int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.followRTCount[userID]; m != nil {
		followRT = m[twitterUserID]
	}
	if m := s.blockRTCount[userID]; m != nil {
		blockRT = m[twitterUserID]
	}
	return followRT, blockRT
}

// Follows reports whether the user subscribes to the account.
func (s *Subscriber) Follows(userID, twitterUserID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.followsByUser[userID]
	if set == nil {
		return false
	}
	_, ok := set[twitterUserID]
	return ok
}

// UserPrefs returns the user's delivery preferences.
func (s *Subscriber) UserPrefs(userID int64) (disableRetweet, disableTextMsg bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.userPrefs[userID]
	return p.disableRetweet, p.disableTextMsg
}

// TokenCount returns the number of registered credentials.
func (s *Subscriber) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
