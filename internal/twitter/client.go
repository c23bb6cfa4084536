// Package twitter wraps the pieces of the Twitter API the bridge consumes:
// token handling, the liveness probe, user lookup and the filtered stream.
package twitter

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	gotwitter "github.com/dghubble/go-twitter/twitter"
	"github.com/dghubble/oauth1"
)

// The probe target is Twitter's own account. Its numeric id and canonical
// handle are stable, which makes the lookup a deterministic validity check.
const (
	probeUserID = 783214
	probeHandle = "Twitter"
)

const defaultRequestTimeout = 10 * time.Second

// Stream is one live filtered streaming connection. Messages is closed when
// the transport gives up; the consumer decides whether to reconnect.
type Stream interface {
	Messages() <-chan interface{}
	Stop()
}

// API is the subset of the Twitter API the subscription manager depends on.
type API interface {
	// CheckToken reports whether the token is still authorized. An error
	// means the probe was inconclusive (transport fault), not expiry.
	CheckToken(tok Token) (bool, error)
	// LookupUser resolves a numeric account id to its profile.
	LookupUser(tok Token, userID int64) (*gotwitter.User, error)
	// OpenStream opens a filtered stream pinned to the given account ids.
	OpenStream(tok Token, follow []int64) (Stream, error)
}

// Client is the production API implementation backed by dghubble/go-twitter.
type Client struct {
	consumerKey    string
	consumerSecret string
	timeout        time.Duration
}

// NewClient creates a Twitter client for the given application credentials.
func NewClient(consumerKey, consumerSecret string) *Client {
	return &Client{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		timeout:        defaultRequestTimeout,
	}
}

// httpClient builds a per-token authorized HTTP client. A zero timeout is
// used for streaming connections, which are long-lived by design.
func (c *Client) httpClient(tok Token, timeout time.Duration) *http.Client {
	if tok.Kind == TokenKindOAuth1 {
		cfg := oauth1.NewConfig(c.consumerKey, c.consumerSecret)
		hc := cfg.Client(oauth1.NoContext, oauth1.NewToken(tok.AccessToken, tok.AccessSecret))
		hc.Timeout = timeout
		return hc
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &bearerTransport{token: tok.AccessToken},
	}
}

// CheckToken performs the liveness probe against the well-known account.
func (c *Client) CheckToken(tok Token) (bool, error) {
	user, err := c.LookupUser(tok, probeUserID)
	if err != nil {
		return false, err
	}
	return user.ScreenName == probeHandle, nil
}

// LookupUser fetches the profile for a numeric account id.
func (c *Client) LookupUser(tok Token, userID int64) (*gotwitter.User, error) {
	api := gotwitter.NewClient(c.httpClient(tok, c.timeout))
	user, _, err := api.Users.Show(&gotwitter.UserShowParams{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("twitter user show %d: %w", userID, err)
	}
	return user, nil
}

// OpenStream opens a filtered streaming connection following the given
// account ids with the supplied token.
func (c *Client) OpenStream(tok Token, follow []int64) (Stream, error) {
	api := gotwitter.NewClient(c.httpClient(tok, 0))
	ids := make([]string, len(follow))
	for i, id := range follow {
		ids[i] = strconv.FormatInt(id, 10)
	}
	s, err := api.Streams.Filter(&gotwitter.StreamFilterParams{
		Follow:        ids,
		StallWarnings: gotwitter.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("twitter stream filter: %w", err)
	}
	return &liveStream{s: s}, nil
}

type liveStream struct {
	s *gotwitter.Stream
}

func (l *liveStream) Messages() <-chan interface{} { return l.s.Messages }
func (l *liveStream) Stop()                        { l.s.Stop() }

// bearerTransport authorizes requests with a static bearer token.
type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}
