package twitter

import (
	"errors"
	"testing"
)

func TestParseTokenRoundTrip(t *testing.T) {
	orig := Token{Kind: TokenKindOAuth1, AccessToken: "tok", AccessSecret: "sec"}
	blob, err := orig.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseToken(blob)
	if err != nil {
		t.Fatal(err)
	}
	if got != orig {
		t.Fatalf("round trip = %+v, want %+v", got, orig)
	}
}

func TestParseTokenBearer(t *testing.T) {
	got, err := ParseToken(`{"kind":"bearer","access_token":"tok"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != TokenKindBearer || got.AccessSecret != "" {
		t.Fatalf("token = %+v", got)
	}
}

func TestParseTokenMalformed(t *testing.T) {
	cases := []string{
		"not json",
		`{"kind":"magic","access_token":"tok"}`,
		`{"kind":"oauth1"}`,
	}
	for _, blob := range cases {
		if _, err := ParseToken(blob); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("ParseToken(%q) err = %v, want ErrTokenMalformed", blob, err)
		}
	}
}

func TestHashIsStableHex(t *testing.T) {
	// md5("hello") as lowercase hex.
	if got := Hash("hello"); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("Hash = %q", got)
	}
	if Hash("a") == Hash("b") {
		t.Fatal("different blobs must not collide trivially")
	}
}
