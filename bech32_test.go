package main

import (
	"strings"
	"testing"
)

func TestDecodeNpub(t *testing.T) {
	// Well-known NIP-19 vector
	npub := "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
	want := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

	got, err := DecodeNpub(npub)
	if err != nil {
		t.Fatalf("DecodeNpub failed: %v", err)
	}
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestDecodeNpubCaseInsensitive(t *testing.T) {
	// Subdomain labels arrive lowercased by DNS but defend anyway
	npub := strings.ToUpper("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6")
	if _, err := DecodeNpub(npub); err != nil {
		t.Errorf("uppercase npub rejected: %v", err)
	}
}

func TestDecodeNpubRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"npub1",
		"nsec180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6",
		"www",
		"npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w7", // bad checksum
		"npub1qqqq", // too short
	}
	for _, c := range cases {
		if _, err := DecodeNpub(c); err == nil {
			t.Errorf("DecodeNpub(%q) should have failed", c)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hexKey := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

	npub, err := EncodeNpub(hexKey)
	if err != nil {
		t.Fatalf("EncodeNpub failed: %v", err)
	}
	if !strings.HasPrefix(npub, "npub1") {
		t.Fatalf("encoded npub has wrong prefix: %s", npub)
	}

	back, err := DecodeNpub(npub)
	if err != nil {
		t.Fatalf("DecodeNpub failed: %v", err)
	}
	if back != hexKey {
		t.Errorf("round trip mismatch: got %s, want %s", back, hexKey)
	}
}

func TestEncodeNpubRejectsBadInput(t *testing.T) {
	if _, err := EncodeNpub("deadbeef"); err == nil {
		t.Error("short pubkey should be rejected")
	}
	if _, err := EncodeNpub("zz"); err == nil {
		t.Error("non-hex pubkey should be rejected")
	}
}
