package registry

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentcloud/tunnel-relay/internal/protocol"
)

// fakeConn is an in-memory net.Conn that records writes.
type fakeConn struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	failing bool
	closed  bool
}

func (c *fakeConn) Read(b []byte) (int, error) { return 0, net.ErrClosed }

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, errors.New("broken pipe")
	}
	return c.buf.Write(b)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestSession(token string) (*Session, *fakeConn) {
	conn := &fakeConn{}
	return NewSession(token, 3000, conn, 1<<20), conn
}

func TestSession_Send(t *testing.T) {
	t.Parallel()
	sess, conn := newTestSession("tok1")

	if err := sess.Send(&protocol.Registered{Type: protocol.TypeRegistered}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := conn.written()
	if !strings.HasSuffix(got, "\n") {
		t.Errorf("frame not newline-terminated: %q", got)
	}
	if !strings.Contains(got, `"registered"`) {
		t.Errorf("frame = %q", got)
	}
}

func TestSession_WriteFailureMarksDead(t *testing.T) {
	t.Parallel()
	sess, conn := newTestSession("tok1")
	conn.failing = true

	if err := sess.Send(&protocol.Registered{Type: protocol.TypeRegistered}); err == nil {
		t.Fatal("Send succeeded on a broken conn")
	}
	if sess.Alive() {
		t.Error("session still alive after write failure")
	}
	if err := sess.Send(&protocol.Registered{Type: protocol.TypeRegistered}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("want ErrSessionClosed, got %v", err)
	}
}

func TestSession_RemoteAddr(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession("tok1")
	if sess.RemoteAddr != "192.0.2.1" {
		t.Errorf("RemoteAddr = %q", sess.RemoteAddr)
	}
}

func TestRegister_DisplacesExisting(t *testing.T) {
	t.Parallel()
	r := New()
	first, _ := newTestSession("tok1")
	second, _ := newTestSession("tok1")

	if old := r.Register(first); old != nil {
		t.Fatalf("fresh registration displaced %+v", old)
	}
	if old := r.Register(second); old != first {
		t.Fatal("re-registration did not return the displaced session")
	}

	got, ok := r.Lookup("tok1")
	if !ok || got != second {
		t.Fatal("lookup did not return the newest session")
	}
}

func TestDeregister_ComparesByIdentity(t *testing.T) {
	t.Parallel()
	r := New()
	first, _ := newTestSession("tok1")
	second, _ := newTestSession("tok1")

	r.Register(first)
	r.Register(second)

	// The stale session's teardown must not evict the replacement.
	if r.Deregister(first) {
		t.Fatal("stale session deregistered the live one")
	}
	if _, ok := r.Lookup("tok1"); !ok {
		t.Fatal("live session gone after stale deregister")
	}
	if !r.Deregister(second) {
		t.Fatal("live session failed to deregister")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after deregister", r.Len())
	}
}

func TestSweep_EvictsDeadSessions(t *testing.T) {
	t.Parallel()
	r := New()
	dead, deadConn := newTestSession("dead")
	live, _ := newTestSession("live")
	deadConn.failing = true
	dead.Send(&protocol.Registered{Type: protocol.TypeRegistered})

	r.Register(dead)
	r.Register(live)

	if evicted := r.Sweep(); evicted != 1 {
		t.Fatalf("Sweep evicted %d, want 1", evicted)
	}
	if _, ok := r.Lookup("dead"); ok {
		t.Error("dead session still registered")
	}
	if _, ok := r.Lookup("live"); !ok {
		t.Error("live session evicted")
	}
}

func TestSnapshot_Sorted(t *testing.T) {
	t.Parallel()
	r := New()
	for _, tok := range []string{"charlie", "alpha", "bravo"} {
		s, _ := newTestSession(tok)
		r.Register(s)
	}

	infos := r.Snapshot()
	if len(infos) != 3 {
		t.Fatalf("snapshot has %d entries", len(infos))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if infos[i].Token != want {
			t.Errorf("infos[%d].Token = %q, want %q", i, infos[i].Token, want)
		}
	}
	if infos[0].TargetPort != 3000 || infos[0].ClientIP == "" {
		t.Errorf("info fields not populated: %+v", infos[0])
	}
}
