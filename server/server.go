package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/metrics"
	"chatrelay/protocol"
	"chatrelay/session"
)

// Authenticator is implemented by auth.Service.
type Authenticator interface {
	Login(ctx context.Context, account protocol.Account, password string) (auth.LoginResult, error)
	Register(ctx context.Context, req auth.RegisterRequest) (auth.RegisterResult, error)
}

type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	StoreTimeout time.Duration

	MaxProtocolErrors int
	FrameRate         float64
	FrameBurst        int
	MaxFrameSize      int
	SendQueueSize     int

	FanoutWorkers   int
	DeliverToSender bool
	PendingBatch    int
}

// ConfigFrom picks the server settings out of the process configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		MaxProtocolErrors: cfg.MaxProtocolErrors,
		FrameRate:         cfg.FrameRate,
		FrameBurst:        cfg.FrameBurst,
		MaxFrameSize:      cfg.MaxFrameSize,
		SendQueueSize:     cfg.SendQueueSize,
		FanoutWorkers:     cfg.FanoutWorkers,
		DeliverToSender:   cfg.DeliverToSender,
		PendingBatch:      cfg.PendingBatch,
	}
}

type Server struct {
	cfg        Config
	store      Store
	auth       Authenticator
	registry   *session.Registry
	dispatcher *Dispatcher
	log        zerolog.Logger

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup
}

func New(store Store, authenticator Authenticator, cfg Config) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 64 * 1024
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	logger := log.With().Str("component", "server").Logger()
	registry := session.NewRegistry()
	return &Server{
		cfg:        cfg,
		store:      store,
		auth:       authenticator,
		registry:   registry,
		dispatcher: NewDispatcher(store, registry, cfg, logger),
		log:        logger,
		conns:      make(map[*Conn]struct{}),
		listeners:  make(map[net.Listener]struct{}),
	}
}

func (s *Server) Registry() *session.Registry {
	return s.registry
}

// ListenAndServe listens on addr and serves until ctx is done or Shutdown
// is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln. Temporary accept errors are retried
// with backoff; it returns nil once the server is shut down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return nil
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("chat relay listening")

	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if limit := time.Second; tempDelay > limit {
					tempDelay = limit
				}
				s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		tempDelay = 0

		go s.ServeConn(ctx, nc)
	}
}

// ServeConn runs a single client connection and returns once it is closed.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := newConn(s, nc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	c.serve(ctx)
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// bind makes c the session of userID and evicts whatever it replaced.
func (s *Server) bind(userID int64, c *Conn) {
	if prev, ok := s.registry.Bind(userID, c); ok {
		metrics.EvictionsTotal.Inc()
		s.log.Info().Int64("user_id", userID).Str("evicted", prev.ID()).Str("conn", c.ID()).Msg("session replaced")
		prev.Evict(protocol.ReasonEvicted)
	}
	metrics.Sessions.Set(float64(s.registry.Count()))
}

func (s *Server) unbind(userID int64, c *Conn) {
	if s.registry.Unbind(userID, c) {
		metrics.Sessions.Set(float64(s.registry.Count()))
	}
}

// Shutdown stops accepting, closes every connection with an error envelope
// carrying reason and waits until they are gone.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info().Str("reason", reason).Int("connections", len(conns)).Msg("shutting down")
	frame := protocol.ErrorFrame(reason, nil)
	for _, c := range conns {
		c.closeWith(frame)
	}
	s.wg.Wait()
}

type Stats struct {
	Connections int
	Sessions    int
	Users       []int64
	Store       db.Stats
}

func (st Stats) String() string {
	users := make([]string, len(st.Users))
	for i, uid := range st.Users {
		users[i] = strconv.FormatInt(uid, 10)
	}
	return fmt.Sprintf("connections=%d,sessions=%d,users=%s,accounts=%d,groups=%d,messages=%d,pending=%d",
		st.Connections, st.Sessions, strings.Join(users, ";"),
		st.Store.Users, st.Store.Groups, st.Store.Messages, st.Store.Pending)
}

func (s *Server) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	st := Stats{Connections: len(s.conns)}
	s.mu.Unlock()

	for _, e := range s.registry.Snapshot() {
		st.Users = append(st.Users, e.UserID)
	}
	st.Sessions = len(st.Users)

	storeStats, err := s.store.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("collecting store stats: %w", err)
	}
	st.Store = storeStats
	return st, nil
}
