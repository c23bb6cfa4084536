package twitter

import (
	"fmt"

	"github.com/dghubble/oauth1"
	twauth "github.com/dghubble/oauth1/twitter"
)

// AuthRequest is a pending OAuth1 handshake waiting for the user's PIN.
type AuthRequest struct {
	Token  string
	Secret string
}

func (c *Client) oauthConfig() *oauth1.Config {
	return &oauth1.Config{
		ConsumerKey:    c.consumerKey,
		ConsumerSecret: c.consumerSecret,
		CallbackURL:    "oob",
		Endpoint:       twauth.AuthorizeEndpoint,
	}
}

// RequestAuthURL starts the PIN-based OAuth1 flow. It returns the pending
// handshake state and the URL the user must visit to authorize the bridge.
func (c *Client) RequestAuthURL() (AuthRequest, string, error) {
	cfg := c.oauthConfig()
	requestToken, requestSecret, err := cfg.RequestToken()
	if err != nil {
		return AuthRequest{}, "", fmt.Errorf("oauth request token: %w", err)
	}
	authURL, err := cfg.AuthorizationURL(requestToken)
	if err != nil {
		return AuthRequest{}, "", fmt.Errorf("oauth authorization url: %w", err)
	}
	return AuthRequest{Token: requestToken, Secret: requestSecret}, authURL.String(), nil
}

// ExchangePIN completes the handshake with the PIN the user got from Twitter
// and returns the resulting access token.
func (c *Client) ExchangePIN(req AuthRequest, pin string) (Token, error) {
	accessToken, accessSecret, err := c.oauthConfig().AccessToken(req.Token, req.Secret, pin)
	if err != nil {
		return Token{}, fmt.Errorf("oauth access token: %w", err)
	}
	return Token{
		Kind:         TokenKindOAuth1,
		AccessToken:  accessToken,
		AccessSecret: accessSecret,
	}, nil
}
