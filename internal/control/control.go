// Package control runs the client-facing control channel: a TCP (optionally
// TLS) listener speaking newline-delimited JSON frames. Each connection is a
// small state machine: the first frame must be a register; after that the
// only accepted frame is a response.
package control

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	relay "github.com/agentcloud/tunnel-relay/internal"
	"github.com/agentcloud/tunnel-relay/internal/config"
	"github.com/agentcloud/tunnel-relay/internal/controlplane"
	"github.com/agentcloud/tunnel-relay/internal/identity"
	"github.com/agentcloud/tunnel-relay/internal/pending"
	"github.com/agentcloud/tunnel-relay/internal/protocol"
	"github.com/agentcloud/tunnel-relay/internal/registry"
	"github.com/agentcloud/tunnel-relay/internal/telemetry"
	"github.com/agentcloud/tunnel-relay/internal/traffic"
)

// registerTimeout bounds how long a fresh connection may sit silent before
// its register frame arrives.
const registerTimeout = 30 * time.Second

// Deps holds all dependencies for the control server.
type Deps struct {
	Registry *registry.Registry
	Pending  *pending.Table
	Tokens   *controlplane.TokenValidator
	Traffic  *traffic.Tracker
	Stats    *relay.Stats
	Metrics  *telemetry.Metrics
	MaxFrame int
}

// Server accepts and serves tunnel client connections. It implements
// worker.Worker.
type Server struct {
	addr    string
	tlsConf *tls.Config
	deps    Deps
}

// New creates a control server bound to addr. tlsConf may be nil for
// plaintext TCP.
func New(addr string, tlsConf *tls.Config, deps Deps) *Server {
	return &Server{addr: addr, tlsConf: tlsConf, deps: deps}
}

// Name returns the worker identifier.
func (s *Server) Name() string { return "control" }

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	if s.tlsConf != nil {
		ln = tls.NewListener(ln, s.tlsConf)
	}
	slog.Info("control channel listening", "addr", s.addr, "tls", s.tlsConf != nil)
	return s.Serve(ctx, ln)
}

// Serve accepts client connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn owns one client connection for its whole lifetime.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	reader := protocol.NewReader(conn, s.deps.MaxFrame)

	sess, err := s.register(ctx, conn, reader)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelInfo, "registration failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	s.deps.Metrics.ActiveTunnels.Inc()
	slog.Info("client registered",
		"token", sess.Token, "remote", sess.RemoteAddr, "targetPort", sess.TargetPort)

	s.serve(ctx, sess, reader)

	s.deps.Registry.Deregister(sess)
	sess.Close()
	s.deps.Metrics.ActiveTunnels.Dec()
	slog.Info("client disconnected", "token", sess.Token, "remote", sess.RemoteAddr)
}

// register runs the AwaitingRegister state: exactly one register frame,
// validated against the control plane, then an acknowledgement.
func (s *Server) register(ctx context.Context, conn net.Conn, reader *protocol.Reader) (*registry.Session, error) {
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.Next()
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	frame, err := protocol.Decode(line)
	if err != nil {
		s.refuse(conn, "malformed frame")
		return nil, err
	}
	reg, ok := frame.(*protocol.Register)
	if !ok {
		s.refuse(conn, "expected register")
		return nil, relay.ErrBadFrame
	}
	s.deps.Metrics.FramesTotal.WithLabelValues(protocol.TypeRegister, "in").Inc()

	if !identity.ValidToken(reg.Token) || !s.deps.Tokens.Validate(ctx, reg.Token) {
		s.deps.Stats.InvalidTokens.Add(1)
		s.deps.Metrics.InvalidTokens.Inc()
		s.refuse(conn, "invalid token")
		return nil, relay.ErrInvalidToken
	}

	sess := registry.NewSession(reg.Token, reg.TargetPort, conn, s.deps.MaxFrame)
	if old := s.deps.Registry.Register(sess); old != nil {
		old.Close()
		slog.Info("replaced live session", "token", reg.Token, "oldRemote", old.RemoteAddr)
	}

	if err := sess.Send(&protocol.Registered{Type: protocol.TypeRegistered}); err != nil {
		s.deps.Registry.Deregister(sess)
		return nil, fmt.Errorf("ack register: %w", err)
	}
	return sess, nil
}

// serve runs the Registered state: consume response frames in arrival order
// and hand them to the pending table.
func (s *Server) serve(ctx context.Context, sess *registry.Session, reader *protocol.Reader) {
	for {
		line, err := reader.Next()
		if err != nil {
			if errors.Is(err, relay.ErrFrameTooLarge) {
				sess.Send(&protocol.ErrorFrame{Type: protocol.TypeError, Message: "frame exceeds maximum size"})
			} else if !errors.Is(err, io.EOF) {
				slog.LogAttrs(ctx, slog.LevelDebug, "control read error",
					slog.String("token", sess.Token),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		frame, err := protocol.Decode(line)
		if err != nil {
			sess.Send(&protocol.ErrorFrame{Type: protocol.TypeError, Message: "malformed frame"})
			return
		}

		resp, ok := frame.(*protocol.Response)
		if !ok {
			sess.Send(&protocol.ErrorFrame{Type: protocol.TypeError, Message: "unexpected frame type"})
			return
		}
		s.deps.Metrics.FramesTotal.WithLabelValues(protocol.TypeResponse, "in").Inc()
		s.dispatch(ctx, sess, resp)
	}
}

// dispatch completes the pending request carrying the frame's id. Responses
// whose id is no longer pending are logged and dropped.
func (s *Server) dispatch(ctx context.Context, sess *registry.Session, resp *protocol.Response) {
	body, err := resp.DecodeBody()
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "undecodable response body",
			slog.String("token", sess.Token),
			slog.String("request_id", resp.ID),
		)
		body = nil
	}

	entry := s.deps.Pending.Complete(resp.ID, &pending.Result{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    body,
	})
	if entry == nil {
		slog.LogAttrs(ctx, slog.LevelInfo, "dropping response for unknown id",
			slog.String("token", sess.Token),
			slog.String("request_id", resp.ID),
		)
		return
	}

	s.deps.Traffic.RecordResponse(entry.Token, entry.Alias, int64(len(body)), resp.Status)
	s.deps.Metrics.BytesRelayed.WithLabelValues("out").Add(float64(len(body)))
}

// refuse sends a terminal error frame on a connection that never became a
// session.
func (s *Server) refuse(conn net.Conn, msg string) {
	if b, err := protocol.Encode(&protocol.ErrorFrame{Type: protocol.TypeError, Message: msg}, s.deps.MaxFrame); err == nil {
		conn.Write(b)
	}
}

// TLSConfig builds the control listener's TLS configuration from cfg, or
// nil when TLS is disabled.
func TLSConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.CtrlTLS {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CtrlCert, cfg.CtrlKey)
	if err != nil {
		return nil, fmt.Errorf("load control cert: %w", err)
	}
	conf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: cfg.CtrlTLSInsecure,
	}
	if cfg.CtrlCA != "" {
		pem, err := os.ReadFile(cfg.CtrlCA)
		if err != nil {
			return nil, fmt.Errorf("read control CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("control CA: no certificates found")
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return conf, nil
}
