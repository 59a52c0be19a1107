// Package gateway issues short-lived signed watch URLs for ready recordings.
// The token is scoped to one recording key; the object gateway on the CDN edge
// validates it without touching the database.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotWatchable covers recordings that exist but cannot be served: not yet
// ready, failed, or expired by retention.
var ErrNotWatchable = errors.New("recording is not watchable")

// ErrNotAuthorized means the user does not follow the recording's account.
var ErrNotAuthorized = errors.New("user does not follow this account")

// WatchClaims is the token payload the edge gateway checks.
type WatchClaims struct {
	RecordingKey string `json:"rk"`
	UserID       string `json:"uid"`
	jwt.RegisteredClaims
}

// Signer mints watch URLs.
type Signer struct {
	DB      *sql.DB
	BaseURL string
	Secret  []byte
	TTL     time.Duration
}

// WatchURL authorizes the user against the recording and returns a signed URL
// valid for TTL. Only ready recordings of accounts the user follows qualify.
func (s *Signer) WatchURL(ctx context.Context, userID, recordingID string) (string, time.Time, error) {
	var status string
	var key sql.NullString
	var liveAccountID string
	err := s.DB.QueryRowContext(ctx,
		`SELECT status, recording_key, live_account_id FROM recordings WHERE id=$1`, recordingID).
		Scan(&status, &key, &liveAccountID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("load recording %s: %w", recordingID, err)
	}
	if status != "ready" || !key.Valid {
		return "", time.Time{}, ErrNotWatchable
	}

	var follows bool
	err = s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM follows WHERE user_id=$1 AND live_account_id=$2 AND status='active')`,
		userID, liveAccountID).Scan(&follows)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("check follow: %w", err)
	}
	if !follows {
		return "", time.Time{}, ErrNotAuthorized
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	claims := WatchClaims{
		RecordingKey: key.String,
		UserID:       userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign watch token: %w", err)
	}
	u := fmt.Sprintf("%s/%s?token=%s", s.BaseURL, key.String, url.QueryEscape(token))
	return u, expires, nil
}

// ParseToken validates a watch token and returns its claims. Expired or
// otherwise invalid tokens error.
func ParseToken(secret []byte, token string) (*WatchClaims, error) {
	var claims WatchClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse watch token: %w", err)
	}
	if claims.RecordingKey == "" {
		return nil, errors.New("watch token missing recording key")
	}
	return &claims, nil
}
