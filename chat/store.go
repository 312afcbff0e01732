// Package chat implements the conversational operations exposed over the RPC
// layer: chat.status, chat.send, and chat.cancel. Conversations are held in an
// in-memory store scoped per client connection, and assistant responses are
// streamed back as notifications while the request is in flight.
package chat

import (
	"sync"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

// Supported conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation transcript.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Key identifies a conversation. Conversations are scoped per client
// connection so two connected clients never share transcripts.
type Key struct {
	ConnectionID   string
	ConversationID string
}

type session struct {
	turns     []Turn
	active    bool
	createdAt time.Time
}

// Store holds conversation sessions in memory. All methods are safe for
// concurrent use.
//
// Instances should be created with NewStore.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*session
	current  map[string]string // connection ID -> current conversation ID
	now      func() time.Time
}

// StoreOption represents the options for the Store.
type StoreOption func(*Store)

// NewStore creates an empty conversation store.
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[Key]*session),
		current:  make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStoreClock overrides the clock used for session timestamps. Used by
// tests to control eviction.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// GetOrCreate returns the session for key, creating it if absent.
func (s *Store) GetOrCreate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[key]; !ok {
		s.sessions[key] = &session{createdAt: s.now()}
	}
}

// SetActive marks whether a request is currently streaming for the session.
// Setting active on a missing session creates it.
func (s *Store) SetActive(key Key, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{createdAt: s.now()}
		s.sessions[key] = sess
	}
	sess.active = active
}

// Active reports whether a request is currently streaming for the session.
// A missing session is not active.
func (s *Store) Active(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	return ok && sess.active
}

// AppendTurn adds a turn to the session's transcript.
func (s *Store) AppendTurn(key Key, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{createdAt: s.now()}
		s.sessions[key] = sess
	}
	sess.turns = append(sess.turns, turn)
}

// Turns returns a copy of the session's transcript, oldest first. A missing
// session yields an empty transcript.
func (s *Store) Turns(key Key) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	turns := make([]Turn, len(sess.turns))
	copy(turns, sess.turns)
	return turns
}

// Current returns the conversation ID the connection is currently using, or
// false when the connection has not started a conversation yet.
func (s *Store) Current(connectionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.current[connectionID]
	return id, ok
}

// SetCurrent records the conversation the connection is using.
func (s *Store) SetCurrent(connectionID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current[connectionID] = conversationID
}

// ClearConnection forgets which conversation the connection was using. The
// transcripts themselves are left for EvictOlderThan to reclaim.
func (s *Store) ClearConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.current, connectionID)
}

// EvictOlderThan removes sessions created more than maxAge ago that are not
// actively streaming, and returns how many were removed.
func (s *Store) EvictOlderThan(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)

	removed := 0
	for key, sess := range s.sessions {
		if sess.active || !sess.createdAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, key)
		removed++
	}
	return removed
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}
