package dtlssrtp

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/dtls/v2"
)

// sessionCache stores resumable sessions for the DTLS engine and remembers,
// per peer, the session identifier of the last successful handshake.
type sessionCache struct {
	sessions   *lru.Cache[string, dtls.Session]
	remembered *lru.Cache[string, []byte]
}

func newSessionCache(size int) (*sessionCache, error) {
	sessions, err := lru.New[string, dtls.Session](size)
	if err != nil {
		return nil, err
	}
	remembered, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &sessionCache{
		sessions:   sessions,
		remembered: remembered,
	}, nil
}

// dtls.SessionStore
func (s *sessionCache) Set(key []byte, session dtls.Session) error {
	s.sessions.Add(string(key), session)
	return nil
}

// dtls.SessionStore, a zero Session means no session
func (s *sessionCache) Get(key []byte) (dtls.Session, error) {
	session, _ := s.sessions.Get(string(key))
	return session, nil
}

// dtls.SessionStore
func (s *sessionCache) Del(key []byte) error {
	s.sessions.Remove(string(key))
	return nil
}

// observe records id as the latest session for peer and reports whether it
// resumes the session remembered before.
func (s *sessionCache) observe(peer string, id []byte) bool {
	if len(id) == 0 {
		return false
	}
	if prior, ok := s.remembered.Get(peer); ok && bytes.Equal(prior, id) {
		return true
	}
	s.remembered.Add(peer, append([]byte(nil), id...))
	return false
}

func (s *sessionCache) rememberedSession(peer string) []byte {
	id, _ := s.remembered.Peek(peer)
	return id
}

// NewSessionStore returns a bounded dtls.SessionStore, for DTLS servers
// that should accept resumption.
func NewSessionStore(size int) (dtls.SessionStore, error) {
	return newSessionCache(size)
}
