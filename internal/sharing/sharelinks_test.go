package sharing

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := generateToken()
		if err != nil {
			t.Fatal(err)
		}
		if len(tok) != 32 {
			t.Fatalf("token %q: got length %d, want 32", tok, len(tok))
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestLinkURL(t *testing.T) {
	s := NewShareLinkStore(nil, "https://vault.example.com/")
	if got := s.LinkURL("abc"); got != "https://vault.example.com/share/abc" {
		t.Errorf("LinkURL = %s", got)
	}
}

func TestCheck(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		link     ShareLink
		password string
		want     error
	}{
		{"active", ShareLink{IsActive: true}, "", nil},
		{"revoked", ShareLink{IsActive: false}, "", ErrRevoked},
		{"expired", ShareLink{IsActive: true, ExpiresAt: &past}, "", ErrExpired},
		{"not yet expired", ShareLink{IsActive: true, ExpiresAt: &future}, "", nil},
		{"limit reached", ShareLink{IsActive: true, MaxDownloads: 3, AccessCount: 3}, "", ErrLimitReached},
		{"under limit", ShareLink{IsActive: true, MaxDownloads: 3, AccessCount: 2}, "", nil},
		{"unlimited", ShareLink{IsActive: true, AccessCount: 1000}, "", nil},
		{"password missing", ShareLink{IsActive: true, PasswordHash: string(hash)}, "", ErrPasswordRequired},
		{"password wrong", ShareLink{IsActive: true, PasswordHash: string(hash)}, "guess", ErrInvalidPassword},
		{"password right", ShareLink{IsActive: true, PasswordHash: string(hash)}, "open sesame", nil},
	}

	for _, tt := range tests {
		err := check(&tt.link, tt.password, now)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestHashPasswordEmpty(t *testing.T) {
	ns, err := hashPassword("")
	if err != nil {
		t.Fatal(err)
	}
	if ns.Valid {
		t.Error("empty password should store NULL")
	}
}
