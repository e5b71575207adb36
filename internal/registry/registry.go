// Package registry tracks live tunnel client sessions by token.
package registry

import (
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcloud/tunnel-relay/internal/protocol"
)

// ErrSessionClosed is returned by Send after the session's stream is gone.
var ErrSessionClosed = errors.New("session closed")

// Session is one registered tunnel client. All frame writes go through Send,
// which serializes them under the session's write lock so interleaved
// request frames cannot corrupt the stream.
type Session struct {
	Token       string
	TargetPort  int
	RemoteAddr  string
	ConnectedAt time.Time

	conn     net.Conn
	maxFrame int
	writeMu  sync.Mutex
	closed   atomic.Bool
}

// NewSession wraps an accepted control connection.
func NewSession(token string, targetPort int, conn net.Conn, maxFrame int) *Session {
	return &Session{
		Token:       token,
		TargetPort:  targetPort,
		RemoteAddr:  remoteIP(conn),
		ConnectedAt: time.Now(),
		conn:        conn,
		maxFrame:    maxFrame,
	}
}

// Send encodes frame and writes it to the client. A write failure marks the
// session dead; the janitor or the read loop will evict it.
func (s *Session) Send(frame any) error {
	b, err := protocol.Encode(frame, s.maxFrame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if _, err := s.conn.Write(b); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

// Alive reports whether the session's stream is still writable.
func (s *Session) Alive() bool {
	return !s.closed.Load()
}

// Close tears down the stream. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		return s.conn.Close()
	}
	return nil
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Info is a snapshot of one session for introspection.
type Info struct {
	Token       string    `json:"token"`
	ClientIP    string    `json:"clientIp"`
	TargetPort  int       `json:"targetPort"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry is the token -> live session map. At most one session per token
// is live at any instant.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs s, returning the session it displaced (if any). The
// caller is responsible for closing the displaced session.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[s.Token]
	r.sessions[s.Token] = s
	return old
}

// Deregister removes s only if it is still the stored session for its
// token, so a late close cannot evict a newer registration.
func (r *Registry) Deregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.Token] != s {
		return false
	}
	delete(r.sessions, s.Token)
	return true
}

// Lookup returns the live session for token.
func (r *Registry) Lookup(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts and closes sessions whose streams are dead, returning the
// eviction count.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for token, s := range r.sessions {
		if !s.Alive() {
			delete(r.sessions, token)
			s.Close()
			evicted++
		}
	}
	return evicted
}

// Snapshot sweeps dead sessions and returns the survivors sorted by token.
func (r *Registry) Snapshot() []Info {
	r.Sweep()

	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, Info{
			Token:       s.Token,
			ClientIP:    s.RemoteAddr,
			TargetPort:  s.TargetPort,
			ConnectedAt: s.ConnectedAt,
		})
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.Token, b.Token)
	})
	return infos
}
