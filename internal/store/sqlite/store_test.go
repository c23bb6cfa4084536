package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"twitter2telegram/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)

	if u, err := s.GetUser(1); err != nil || u != nil {
		t.Fatalf("GetUser on empty db = (%v, %v), want (nil, nil)", u, err)
	}

	created := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := s.CreateUser(model.User{ID: 1, Label: "alice", CreatedAt: created}); err != nil {
		t.Fatal(err)
	}

	u, err := s.GetUser(1)
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Label != "alice" || u.TwitterStatus || !u.CreatedAt.Equal(created) {
		t.Fatalf("user = %+v", u)
	}

	if err := s.UpdateTwitterToken(1, `{"kind":"oauth1","access_token":"t"}`, true); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetUser(1)
	if !u.TwitterStatus || u.TwitterAccessToken == "" {
		t.Fatalf("user after token update = %+v", u)
	}

	if err := s.SetTwitterStatus(1, false); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetUser(1)
	if u.TwitterStatus {
		t.Fatal("twitter_status should be cleared")
	}

	if err := s.SetDisableRetweet(1, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDisableTextMsg(1, true); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetUser(1)
	if !u.DisableRetweet || !u.DisableTextMsg {
		t.Fatalf("prefs = %+v", u)
	}
}

func TestGetUsersWithValidTwitterStatus(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	s.CreateUser(model.User{ID: 1, Label: "a", CreatedAt: now})
	s.CreateUser(model.User{ID: 2, Label: "b", CreatedAt: now})
	s.UpdateTwitterToken(2, "blob", true)

	users, err := s.GetUsersWithValidTwitterStatus()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != 2 {
		t.Fatalf("users = %+v, want only user 2", users)
	}
}

func TestFollows(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)

	for i, f := range []model.Follow{
		{UserID: 1, TwitterUserID: 100, TwitterUsername: "alice"},
		{UserID: 1, TwitterUserID: 200, TwitterUsername: "bob"},
		{UserID: 2, TwitterUserID: 100, TwitterUsername: "alice"},
		{UserID: 3, TwitterUserID: 300, TwitterUsername: "carol"},
	} {
		f.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateFollow(f); err != nil {
			t.Fatal(err)
		}
	}

	follows, err := s.GetFollowsByUser(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(follows) != 2 || follows[0].TwitterUserID != 100 || follows[1].TwitterUserID != 200 {
		t.Fatalf("follows = %+v", follows)
	}

	// Every (user, account) pair of the listed users, not one row per account.
	all, err := s.GetFollowsByUsers([]int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d follows, want 3", len(all))
	}

	none, err := s.GetFollowsByUsers(nil)
	if err != nil || none != nil {
		t.Fatalf("empty id list = (%v, %v)", none, err)
	}

	if err := s.IncreaseFollowRTCount(1, 100); err != nil {
		t.Fatal(err)
	}
	if err := s.IncreaseBlockRTCount(1, 100); err != nil {
		t.Fatal(err)
	}
	follows, _ = s.GetFollowsByUser(1)
	if follows[0].FollowRTCount != 1 || follows[0].BlockRTCount != 1 {
		t.Fatalf("counters = %+v", follows[0])
	}

	if err := s.DeleteFollow(1, 100); err != nil {
		t.Fatal(err)
	}
	follows, _ = s.GetFollowsByUser(1)
	if len(follows) != 1 || follows[0].TwitterUserID != 200 {
		t.Fatalf("follows after delete = %+v", follows)
	}
}

func TestBlacklists(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2023, 2, 1, 12, 0, 0, 0, time.UTC)

	entries := []model.Blacklist{
		{UserID: 1, TwitterUserID: 100, TwitterUsername: "alice", CreatedAt: now, Type: model.BlockRT},
		{UserID: 1, TwitterUserID: 200, TwitterUsername: "bob", CreatedAt: now, Type: model.BlockTwitter},
		{UserID: 2, TwitterUserID: 100, TwitterUsername: "alice", CreatedAt: now, Type: model.BlockTwitter},
	}
	for _, b := range entries {
		if err := s.CreateBlacklist(b); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.GetAllBlacklist()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}

	rt, err := s.GetBlacklistByUser(1, model.BlockRT)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt) != 1 || rt[0].TwitterUserID != 100 || rt[0].Type != model.BlockRT {
		t.Fatalf("entries = %+v", rt)
	}

	if err := s.DeleteBlacklist(1, 200, model.BlockTwitter); err != nil {
		t.Fatal(err)
	}
	if remaining, _ := s.GetAllBlacklist(); len(remaining) != 2 {
		t.Fatalf("entries after delete = %+v", remaining)
	}
}
