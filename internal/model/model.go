// Package model defines the persistent value types shared across the bridge.
package model

import "time"

// BlacklistType distinguishes the two block semantics a user can apply to a
// Twitter account.
type BlacklistType int

const (
	// BlockRT suppresses retweets made by a followed account.
	BlockRT BlacklistType = 1
	// BlockTwitter suppresses any retweet of the blocked account.
	BlockTwitter BlacklistType = 2
)

// User is a Telegram user the bridge delivers to. ID is the Telegram chat id.
type User struct {
	ID                 int64
	Label              string
	TwitterAccessToken string
	TwitterStatus      bool
	CreatedAt          time.Time
	DisableRetweet     bool
	DisableTextMsg     bool
}

// Follow is one (user, twitter account) subscription.
type Follow struct {
	ID              int64
	UserID          int64
	TwitterUserID   int64
	TwitterUsername string
	CreatedAt       time.Time
	FollowRTCount   int64
	BlockRTCount    int64
}

// Blacklist is one (user, twitter account, kind) block entry.
type Blacklist struct {
	ID              int64
	UserID          int64
	TwitterUserID   int64
	TwitterUsername string
	CreatedAt       time.Time
	Type            BlacklistType
}
