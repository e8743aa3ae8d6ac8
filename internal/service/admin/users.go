package admin

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/balanzlc/balanz/internal/domain"
)

// UserStore is the single-writer owner of the admin user table loaded from
// users.csv. It is deliberately separate from the charger/session Registry
// (spec.md §4.2): users have no bearing on allocation.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*domain.User)}
}

// Put inserts or replaces a user record (used by the csv loader).
func (s *UserStore) Put(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *UserStore) Find(id string) (*domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// LoginToken builds the client-side login token: the literal concatenation
// of user_id and password (spec.md §6). The server never sees the password
// on its own, only this concatenation, which it hashes itself.
func LoginToken(userID, password string) string {
	return userID + password
}

// HashHex returns the hex-encoded SHA-256 of s.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates a Login call's token against the stored hash for
// userID (spec.md §6: "server validates SHA-256 of token against the
// users.csv store").
func (s *UserStore) Authenticate(userID, token string) (*domain.User, bool) {
	u, ok := s.Find(userID)
	if !ok {
		return nil, false
	}
	if HashHex(token) != u.PasswordSHA256 {
		return nil, false
	}
	return u, true
}
