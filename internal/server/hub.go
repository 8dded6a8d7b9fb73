package server

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// newToken returns a URL-safe random token.
func newToken() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func utcNowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Hub is the single-owner session arbiter. At most one client owns the
// session; ownership carries a token pair that is regenerated on every
// grant. The lock is held only for O(1) bookkeeping.
type Hub struct {
	mu         sync.Mutex
	owner      *Client
	ownerSince string
	ownerToken string
	sessionID  string
}

func NewHub() *Hub {
	return &Hub{}
}

// TryGrant makes c the owner if the session is free. On success the
// returned payload carries owner_since, owner_token and session_id;
// on failure it carries owner_since and owner_hint.
func (h *Hub) TryGrant(c *Client) (bool, map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner == nil {
		h.owner = c
		h.ownerSince = utcNowISO()
		h.ownerToken = newToken()
		h.sessionID = newToken()
		return true, map[string]any{
			"owner_since": h.ownerSince,
			"owner_token": h.ownerToken,
			"session_id":  h.sessionID,
		}
	}
	return false, map[string]any{
		"owner_since": h.ownerSince,
		"owner_hint":  "another session is active",
	}
}

// Takeover forces ownership to c, regenerating both tokens, and
// returns the displaced owner (nil when c already owned the session
// or the session was free).
func (h *Hub) Takeover(c *Client) (*Client, map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner == c {
		return nil, map[string]any{
			"owner_since": h.ownerSince,
			"owner_token": h.ownerToken,
		}
	}
	old := h.owner
	h.owner = c
	h.ownerSince = utcNowISO()
	h.ownerToken = newToken()
	h.sessionID = newToken()
	return old, map[string]any{
		"owner_since": h.ownerSince,
		"owner_token": h.ownerToken,
		"session_id":  h.sessionID,
	}
}

func (h *Hub) IsOwner(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner == c
}

// OwnerToken returns the current token when c is the owner, else "".
func (h *Hub) OwnerToken(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner == c {
		return h.ownerToken
	}
	return ""
}

// SessionID returns the current session id when c is the owner, else "".
func (h *Hub) SessionID(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner == c {
		return h.sessionID
	}
	return ""
}

// ReleaseIfOwner frees the session when c owns it.
func (h *Hub) ReleaseIfOwner(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner != c {
		return false
	}
	h.owner = nil
	h.ownerSince = ""
	h.ownerToken = ""
	h.sessionID = ""
	return true
}
