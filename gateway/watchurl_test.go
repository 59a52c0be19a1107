package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Coke3a/stream-catch/testutil"
)

func mintToken(t *testing.T, secret []byte, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := WatchClaims{
		RecordingKey: "twitch/acct/rec",
		UserID:       "user",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestWatchURLRequiresReadyAndFollow(t *testing.T) {
	database := testutil.SetupTestDB(t)
	accID := testutil.CreateLiveAccount(t, database)
	follower := testutil.CreateUser(t, database)
	stranger := testutil.CreateUser(t, database)
	testutil.Follow(t, database, follower, accID)

	s := &Signer{DB: database, BaseURL: "https://cdn.example.com/watch", Secret: []byte("test-secret"), TTL: time.Hour}
	ctx := context.Background()

	readyID := testutil.CreateRecording(t, database, accID, "ready")
	pendingID := testutil.CreateRecording(t, database, accID, "waiting_upload")
	expiredID := testutil.CreateRecording(t, database, accID, "expired_deleted")

	url, expires, err := s.WatchURL(ctx, follower, readyID)
	if err != nil {
		t.Fatalf("watch url: %v", err)
	}
	if !strings.HasPrefix(url, "https://cdn.example.com/watch/") || !strings.Contains(url, "token=") {
		t.Fatalf("url %q malformed", url)
	}
	if until := time.Until(expires); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry %v from now, want ~1h", until)
	}

	if _, _, err := s.WatchURL(ctx, stranger, readyID); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger err = %v, want ErrNotAuthorized", err)
	}
	if _, _, err := s.WatchURL(ctx, follower, pendingID); !errors.Is(err, ErrNotWatchable) {
		t.Errorf("pending err = %v, want ErrNotWatchable", err)
	}
	if _, _, err := s.WatchURL(ctx, follower, expiredID); !errors.Is(err, ErrNotWatchable) {
		t.Errorf("expired err = %v, want ErrNotWatchable", err)
	}
}

func TestWatchTokenRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	accID := testutil.CreateLiveAccount(t, database)
	follower := testutil.CreateUser(t, database)
	testutil.Follow(t, database, follower, accID)
	recID := testutil.CreateRecording(t, database, accID, "ready")

	secret := []byte("test-secret")
	s := &Signer{DB: database, BaseURL: "https://cdn.example.com/watch", Secret: secret, TTL: time.Hour}
	url, _, err := s.WatchURL(context.Background(), follower, recID)
	if err != nil {
		t.Fatalf("watch url: %v", err)
	}
	i := strings.Index(url, "token=")
	if i < 0 {
		t.Fatalf("no token in %q", url)
	}
	token := url[i+len("token="):]

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != follower {
		t.Errorf("claims user %q, want %q", claims.UserID, follower)
	}
	if !strings.HasSuffix(claims.RecordingKey, recID) {
		t.Errorf("claims key %q does not reference recording %s", claims.RecordingKey, recID)
	}

	// Wrong secret is rejected.
	if _, err := ParseToken([]byte("other-secret"), token); err == nil {
		t.Error("token accepted with wrong secret")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token := mintToken(t, secret, -time.Minute)
	if _, err := ParseToken(secret, token); err == nil {
		t.Fatal("expired token accepted")
	}
	token = mintToken(t, secret, time.Minute)
	if _, err := ParseToken(secret, token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}
