package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestIssueAndAuthenticate(t *testing.T) {
	ring := NewKeyring()
	token, err := ring.Issue("host-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("token %q lacks keyID.secret form", token)
	}

	owner, err := ring.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if owner != "host-1" {
		t.Fatalf("owner = %q, want host-1", owner)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	ring := NewKeyring()
	token, err := ring.Issue("host-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	keyID, _, _ := strings.Cut(token, ".")

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", "justonepiece"},
		{"unknown key id", "key_ffffffffffff.secret"},
		{"wrong secret", keyID + ".not-the-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ring.Authenticate(tc.token); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("err = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestParseKeySpec(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	key, err := ParseKeySpec("key_ab:host-1:" + hash)
	if err != nil {
		t.Fatalf("ParseKeySpec: %v", err)
	}
	if key.ID != "key_ab" || key.OwnerID != "host-1" || key.SecretHash != hash {
		t.Fatalf("parsed key = %+v", key)
	}

	ring := NewKeyring()
	if err := ring.Add(key); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if owner, err := ring.Authenticate("key_ab.s3cret"); err != nil || owner != "host-1" {
		t.Fatalf("Authenticate = %q, %v", owner, err)
	}

	if _, err := ParseKeySpec("missing-fields"); err == nil {
		t.Fatal("expected an error for a malformed spec")
	}
}
