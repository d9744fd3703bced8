// Package realtime – session tokens
//
// This file reads the operator session out of the bearer JWT. The console
// never holds the signing key: the realtime server and the dispatch backend
// verify the token, and the console only needs the subject and role to pick
// its rooms and label its logs. Claims are therefore parsed unverified, and
// anything derived here must not be used to grant access.
//
// Errors: ErrNoSubject and ErrSessionExpired for readable tokens missing a
// subject or past expiry; parse failures are wrapped.
package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSubject is returned for a session token without a user id.
	ErrNoSubject = errors.New("session token has no subject")
	// ErrSessionExpired is returned for a session token past its expiry.
	ErrSessionExpired = errors.New("session token expired")
)

// Session is the operator identity carried by the session token. The token
// is verified by the realtime server; the console only reads it to derive
// the rooms to join.
type Session struct {
	UserID string
	Role   string
}

type sessionClaims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ParseSession extracts the session from a (possibly "Bearer "-prefixed) JWT.
func ParseSession(token string, now time.Time) (Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	var cl sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &cl); err != nil {
		return Session{}, fmt.Errorf("parse session token: %w", err)
	}
	if cl.UserID == "" {
		return Session{}, ErrNoSubject
	}
	if cl.ExpiresAt != nil && !cl.ExpiresAt.After(now) {
		return Session{}, ErrSessionExpired
	}
	return Session{UserID: cl.UserID, Role: strings.ToLower(cl.Role)}, nil
}

// Rooms returns the rooms implied by the session: role:<role> and user:<id>.
func (s Session) Rooms() []string {
	rooms := make([]string, 0, 2)
	if s.Role != "" {
		rooms = append(rooms, "role:"+s.Role)
	}
	return append(rooms, "user:"+s.UserID)
}

// ZoneRoom names the room carrying order events for a dispatch zone.
func ZoneRoom(zone string) string { return "orders:zone:" + zone }
