package subscriber

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	gotwitter "github.com/dghubble/go-twitter/twitter"

	"twitter2telegram/internal/model"
	"twitter2telegram/internal/twitter"
)

// fakeStream feeds canned messages to a worker. Closing msgs simulates the
// transport giving up.
type fakeStream struct {
	msgs    chan interface{}
	stopped sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan interface{}, 10)}
}

func (s *fakeStream) Messages() <-chan interface{} { return s.msgs }
func (s *fakeStream) Stop()                        { s.stopped.Do(func() { close(s.msgs) }) }

// fakeAPI scripts the Twitter API. opened receives the follow set of every
// OpenStream call.
type fakeAPI struct {
	mu        sync.Mutex
	valid     bool
	probeErr  error
	streamErr error
	streams   []*fakeStream

	opened chan []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{valid: true, opened: make(chan []int64, 16)}
}

func (a *fakeAPI) setProbe(valid bool, err error) {
	a.mu.Lock()
	a.valid, a.probeErr = valid, err
	a.mu.Unlock()
}

func (a *fakeAPI) CheckToken(tok twitter.Token) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid, a.probeErr
}

func (a *fakeAPI) LookupUser(tok twitter.Token, userID int64) (*gotwitter.User, error) {
	return &gotwitter.User{ID: userID, ScreenName: "someone"}, nil
}

func (a *fakeAPI) OpenStream(tok twitter.Token, follow []int64) (twitter.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	s := newFakeStream()
	a.streams = append(a.streams, s)
	a.opened <- append([]int64(nil), follow...)
	return s, nil
}

func (a *fakeAPI) lastStream() *fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.streams) == 0 {
		return nil
	}
	return a.streams[len(a.streams)-1]
}

// fakeNotifier records outbound notices.
type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	chats []int64
}

func (n *fakeNotifier) SendText(chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chats = append(n.chats, chatID)
	n.texts = append(n.texts, text)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

func testBlob(t *testing.T, name string) string {
	t.Helper()
	blob, err := twitter.Token{Kind: twitter.TokenKindOAuth1, AccessToken: name, AccessSecret: "s"}.Encode()
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return blob
}

func newTestSubscriber(t *testing.T) (*Subscriber, *fakeAPI, *fakeNotifier, chan interface{}) {
	t.Helper()
	api := newFakeAPI()
	notifier := &fakeNotifier{}
	tweetCh := make(chan interface{}, 100)
	sub := New(api, notifier, tweetCh, slog.Default())
	sub.retryDelay = 10 * time.Millisecond
	return sub, api, notifier, tweetCh
}

func follow(userID, twitterUserID int64) model.Follow {
	return model.Follow{UserID: userID, TwitterUserID: twitterUserID, TwitterUsername: "someone"}
}

func TestAddTokenDuplicateIsNoop(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	blob := testBlob(t, "a")

	if err := sub.AddToken(1, blob); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := sub.AddToken(1, blob); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if got := sub.TokenCount(); got != 1 {
		t.Fatalf("token count = %d, want 1", got)
	}
}

func TestAddTokenExpired(t *testing.T) {
	sub, api, _, _ := newTestSubscriber(t)
	api.setProbe(false, nil)

	err := sub.AddToken(1, testBlob(t, "a"))
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
	if got := sub.TokenCount(); got != 0 {
		t.Fatalf("token count = %d, want 0", got)
	}
}

func TestAddTokenProbeFault(t *testing.T) {
	sub, api, _, _ := newTestSubscriber(t)
	api.setProbe(false, errors.New("timeout"))

	if err := sub.AddToken(1, testBlob(t, "a")); err == nil {
		t.Fatal("expected probe error")
	}
	if errors.Is(sub.AddToken(1, testBlob(t, "a")), ErrCredentialExpired) {
		t.Fatal("inconclusive probe must not count as expiry")
	}
}

func TestAddTokenMalformed(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if err := sub.AddToken(1, "not json"); !errors.Is(err, twitter.ErrTokenMalformed) {
		t.Fatalf("err = %v, want ErrTokenMalformed", err)
	}
}

func TestAddFollowWithoutCredential(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if _, err := sub.AddFollow(follow(1, 100), 0); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}

// Accounts spread across credentials, preferring the newest on ties.
func TestAddFollowBalancesAcrossCredentials(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	blobA := testBlob(t, "a")
	blobB := testBlob(t, "b")
	if err := sub.AddToken(1, blobA); err != nil {
		t.Fatal(err)
	}
	if err := sub.AddToken(2, blobB); err != nil {
		t.Fatal(err)
	}

	got1, err := sub.AddFollow(follow(1, 100), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got1 != blobB {
		t.Fatalf("first account went to %q, want newest credential", got1)
	}

	got2, err := sub.AddFollow(follow(1, 200), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got2 != blobA {
		t.Fatalf("second account went to %q, want least-loaded credential", got2)
	}
}

func TestAddFollowTrackedAccountAppendsRecipient(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if err := sub.AddToken(1, testBlob(t, "a")); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.AddFollow(follow(1, 100), 0); err != nil {
		t.Fatal(err)
	}

	blob, err := sub.AddFollow(follow(2, 100), 0)
	if err != nil {
		t.Fatal(err)
	}
	if blob != "" {
		t.Fatalf("tracked account should not trigger a session restart, got %q", blob)
	}
	want := []int64{1, 2}
	got := sub.Recipients(100)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	// Re-adding must not duplicate the recipient.
	if _, err := sub.AddFollow(follow(2, 100), 0); err != nil {
		t.Fatal(err)
	}
	if got := sub.Recipients(100); len(got) != 2 {
		t.Fatalf("recipients = %v, want 2 entries", got)
	}
}

func TestRemoveFollowKeepsAccountWhileSubscribed(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if err := sub.AddToken(1, testBlob(t, "a")); err != nil {
		t.Fatal(err)
	}
	sub.AddFollow(follow(1, 100), 0)
	sub.AddFollow(follow(2, 100), 0)

	if blob := sub.RemoveFollow(1, 100); blob != "" {
		t.Fatalf("account still has a subscriber, got restart blob %q", blob)
	}
	if got := sub.Recipients(100); len(got) != 1 || got[0] != 2 {
		t.Fatalf("recipients = %v, want [2]", got)
	}
}

func TestRemoveFollowLastSubscriberDetachesAccount(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	blob := testBlob(t, "a")
	if err := sub.AddToken(1, blob); err != nil {
		t.Fatal(err)
	}
	sub.AddFollow(follow(1, 100), 0)

	if got := sub.RemoveFollow(1, 100); got != blob {
		t.Fatalf("restart blob = %q, want owning credential", got)
	}
	if got := sub.Recipients(100); len(got) != 0 {
		t.Fatalf("recipients = %v, want empty", got)
	}
	if sub.Follows(1, 100) {
		t.Fatal("follow set should no longer contain the account")
	}
}

func TestRemoveFollowUnknownIsTolerated(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if blob := sub.RemoveFollow(1, 999); blob != "" {
		t.Fatalf("unknown follow returned restart blob %q", blob)
	}
}

func TestRemoveTokenUnknown(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if err := sub.RemoveToken("deadbeef"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("err = %v, want ErrUnknownCredential", err)
	}
}

func TestRemoveTokenTearsDownSubscriptions(t *testing.T) {
	sub, _, notifier, _ := newTestSubscriber(t)
	blob := testBlob(t, "a")
	if err := sub.AddToken(7, blob); err != nil {
		t.Fatal(err)
	}
	sub.AddFollow(follow(1, 100), 0)
	sub.AddFollow(follow(2, 100), 0)

	if err := sub.RemoveToken(twitter.Hash(blob)); err != nil {
		t.Fatal(err)
	}
	if got := sub.TokenCount(); got != 0 {
		t.Fatalf("token count = %d, want 0", got)
	}
	if got := sub.Recipients(100); len(got) != 0 {
		t.Fatalf("recipients = %v, want empty", got)
	}
	if notifier.count() != 1 {
		t.Fatalf("notices sent = %d, want 1", notifier.count())
	}
	notifier.mu.Lock()
	chat, text := notifier.chats[0], notifier.texts[0]
	notifier.mu.Unlock()
	if chat != 7 {
		t.Fatalf("notice sent to %d, want token owner 7", chat)
	}
	if text != expiredNotice {
		t.Fatalf("notice text = %q", text)
	}
	if _, err := sub.AddFollow(follow(1, 200), 0); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential after teardown", err)
	}
}

func TestBlockAndCounters(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)

	sub.Block(model.Blacklist{UserID: 1, TwitterUserID: 100, Type: model.BlockTwitter}, 55)
	sub.Block(model.Blacklist{UserID: 1, TwitterUserID: 100, Type: model.BlockTwitter}, 55)
	sub.Block(model.Blacklist{UserID: 1, TwitterUserID: 300, Type: model.BlockRT}, 55)

	if !sub.Blocked(1, 100, model.BlockTwitter) {
		t.Fatal("expected BlockTwitter entry")
	}
	if sub.Blocked(1, 100, model.BlockRT) {
		t.Fatal("block kinds must not bleed into each other")
	}
	if !sub.Blocked(1, 300, model.BlockRT) {
		t.Fatal("expected BlockRT entry")
	}

	// Only BlockTwitter entries credit the retweeter.
	if _, blockRT := sub.Counters(1, 55); blockRT != 2 {
		t.Fatalf("blockRT counter = %d, want 2", blockRT)
	}

	sub.Unblock(1, 100, model.BlockTwitter)
	if sub.Blocked(1, 100, model.BlockTwitter) {
		t.Fatal("entry should be gone after unblock")
	}
	sub.Unblock(1, 100, model.BlockTwitter) // absent entry is a no-op
}

func TestFollowRTCounter(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	if err := sub.AddToken(1, testBlob(t, "a")); err != nil {
		t.Fatal(err)
	}
	sub.AddFollow(follow(1, 100), 55)
	sub.AddFollow(follow(1, 200), 55)

	if followRT, _ := sub.Counters(1, 55); followRT != 2 {
		t.Fatalf("followRT counter = %d, want 2", followRT)
	}
}

func TestPrefs(t *testing.T) {
	sub, _, _, _ := newTestSubscriber(t)
	sub.SetPrefs(1, true, false)
	disableRetweet, disableTextMsg := sub.UserPrefs(1)
	if !disableRetweet || disableTextMsg {
		t.Fatalf("prefs = (%v, %v), want (true, false)", disableRetweet, disableTextMsg)
	}
	if dr, dt := sub.UserPrefs(2); dr || dt {
		t.Fatal("unknown users default to everything enabled")
	}
}
