package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatrelay/metrics"
	"chatrelay/protocol"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")

	errFrameTooLarge = errors.New("frame too large")
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Claim states of a delivery. The writer moves a queued delivery to
// writing before touching the socket; a deliverer that gives up moves it to
// abandoned. Whichever side wins decides if the frame goes out.
const (
	claimQueued int32 = iota
	claimWriting
	claimAbandoned
)

type outbound struct {
	frame []byte
	done  chan error    // nil for fire-and-forget replies
	claim *atomic.Int32 // set together with done
}

// Conn is one client connection. Frames are read, decoded and dispatched one
// at a time by serve; every write goes through the send queue and is
// performed by writeLoop in FIFO order.
type Conn struct {
	id  string
	srv *Server
	nc  net.Conn
	log zerolog.Logger

	limiter *rate.Limiter

	mu        sync.Mutex
	state     connState
	userID    int64
	protoErrs int

	sendq      chan outbound
	quit       chan struct{}
	quitOnce   sync.Once
	final      []byte // written after the queue drains, set before quit closes
	writerDone chan struct{}
}

func newConn(srv *Server, nc net.Conn) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:         id,
		srv:        srv,
		nc:         nc,
		sendq:      make(chan outbound, srv.cfg.SendQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.log = srv.log.With().Str("conn", id).Str("remote", remoteAddr(nc)).Logger()
	if srv.cfg.FrameRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(srv.cfg.FrameRate), max(srv.cfg.FrameBurst, 1))
	}
	return c
}

func remoteAddr(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) ID() string { return c.id }

// UserID returns the bound user id, or false before a successful login.
func (c *Conn) UserID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.state == stateAuthenticated
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Deliver queues frame and waits until it has been written. A full send
// queue fails immediately so a slow reader cannot stall fan-out. If ctx ends
// before the writer picks the frame up, the frame is dropped; once the writer
// has it, Deliver waits for the write, bounded by the write deadline. A nil
// error means the frame was written in full.
func (c *Conn) Deliver(ctx context.Context, frame []byte) error {
	out := outbound{frame: frame, done: make(chan error, 1), claim: new(atomic.Int32)}
	select {
	case <-c.quit:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendq <- out:
	case <-c.quit:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}

	select {
	case err := <-out.done:
		return err
	case <-c.writerDone:
	case <-ctx.Done():
		if out.claim.CompareAndSwap(claimQueued, claimAbandoned) {
			return ctx.Err()
		}
	}
	return c.await(out)
}

// await waits for the outcome of a delivery the writer may already hold.
// The writer reports on done before it exits.
func (c *Conn) await(out outbound) error {
	select {
	case err := <-out.done:
		return err
	case <-c.writerDone:
	}
	select {
	case err := <-out.done:
		return err
	default:
		return ErrConnClosed
	}
}

// Evict closes the connection after sending an error envelope with reason.
func (c *Conn) Evict(reason string) {
	c.closeWith(protocol.ErrorFrame(reason, nil))
}

// send queues a reply without waiting for the write. It blocks while the
// queue is full; the writer's deadline bounds how long that can last.
func (c *Conn) send(frame []byte) {
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.sendq <- outbound{frame: frame}:
	case <-c.quit:
	}
}

func (c *Conn) sendData(code protocol.Opcode, data any) {
	frame, err := protocol.EncodeData(code, data)
	if err != nil {
		c.log.Error().Err(err).Msg("encoding reply")
		return
	}
	c.send(frame)
}

func (c *Conn) sendError(reason string, code *int) {
	c.send(protocol.ErrorFrame(reason, code))
}

// closeWith stops the connection. final, when set, is the last frame the
// peer receives. Only the first call has any effect.
func (c *Conn) closeWith(final []byte) {
	c.quitOnce.Do(func() {
		c.final = final
		close(c.quit)
	})
}

func (c *Conn) closing() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.nc.Close()

	for {
		select {
		case out := <-c.sendq:
			if err := c.writeOut(out); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.closeWith(nil)
				return
			}
		case <-c.quit:
			c.flush()
			return
		}
	}
}

// flush writes what is still queued, then the final frame.
func (c *Conn) flush() {
	for {
		select {
		case out := <-c.sendq:
			if err := c.writeOut(out); err != nil {
				return
			}
		default:
			if c.final != nil {
				_ = c.write(c.final)
			}
			return
		}
	}
}

func (c *Conn) writeOut(out outbound) error {
	if out.claim != nil && !out.claim.CompareAndSwap(claimQueued, claimWriting) {
		// abandoned, the deliverer records it as pending
		return nil
	}
	err := c.write(out.frame)
	if out.done != nil {
		out.done <- err
	}
	return err
}

func (c *Conn) write(frame []byte) error {
	if wt := c.srv.cfg.WriteTimeout; wt > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(wt)); err != nil {
			return err
		}
	}
	_, err := c.nc.Write(frame)
	return err
}

// serve runs the read loop until the peer goes away or the connection is
// closed, then releases the session.
func (c *Conn) serve(ctx context.Context) {
	metrics.Connections.Inc()
	c.log.Info().Msg("client connected")

	go c.writeLoop()
	defer c.cleanup()

	reader := bufio.NewReaderSize(c.nc, c.srv.cfg.MaxFrameSize)
	for {
		if c.closing() {
			return
		}
		if rt := c.srv.cfg.ReadTimeout; rt > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(rt)); err != nil {
				return
			}
		}

		frame, err := readFrame(reader)
		if errors.Is(err, errFrameTooLarge) {
			if !c.protocolError(protocol.ReasonMalformed, nil) {
				return
			}
			continue
		}
		if err != nil {
			c.logReadError(err)
			return
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			if !c.protocolError(protocol.ReasonRateLimited, nil) {
				return
			}
			continue
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			perr, ok := protocol.AsProtocolError(err)
			if !ok {
				c.log.Error().Err(err).Msg("decoding frame")
				return
			}
			c.log.Debug().Err(perr).Msg("rejected frame")
			var code *int
			if perr.HasCode {
				code = &perr.Code
			}
			if !c.protocolError(protocol.ReasonFor(perr), code) {
				return
			}
			continue
		}

		c.srv.handleEnvelope(ctx, c, env)
	}
}

// readFrame returns the next newline terminated frame. Oversized frames are
// discarded up to their delimiter and reported as errFrameTooLarge.
func readFrame(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, errFrameTooLarge
	}
	if err != nil {
		return nil, err
	}
	return bytes.Clone(line), nil
}

func (c *Conn) logReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("peer closed connection")
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		c.log.Debug().Msg("connection closed")
	case errors.As(err, &ne) && ne.Timeout():
		c.log.Info().Dur("timeout", c.srv.cfg.ReadTimeout).Msg("idle timeout")
	default:
		c.log.Warn().Err(err).Msg("read failed")
	}
}

// protocolError answers a rejected frame and reports whether the connection
// may keep reading.
func (c *Conn) protocolError(reason string, code *int) bool {
	metrics.ProtocolErrorsTotal.WithLabelValues(reason).Inc()

	c.mu.Lock()
	c.protoErrs++
	n := c.protoErrs
	c.mu.Unlock()

	if limit := c.srv.cfg.MaxProtocolErrors; limit > 0 && n > limit {
		c.log.Warn().Int("errors", n).Msg("too many protocol errors, closing")
		c.send(protocol.ErrorFrame(reason, code))
		c.closeWith(protocol.ErrorFrame(protocol.ReasonTooManyErrors, nil))
		return false
	}
	c.sendError(reason, code)
	return true
}

// authenticate moves the connection to the authenticated state for userID.
func (c *Conn) authenticate(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUnauthenticated {
		return false
	}
	c.state = stateAuthenticated
	c.userID = userID
	return true
}

func (c *Conn) cleanup() {
	c.closeWith(nil)
	<-c.writerDone

	c.mu.Lock()
	authed := c.state == stateAuthenticated
	uid := c.userID
	c.state = stateClosed
	c.mu.Unlock()

	if authed {
		c.srv.unbind(uid, c)
	}
	c.srv.forget(c)
	metrics.Connections.Dec()
	c.log.Info().Bool("authenticated", authed).Int64("user_id", uid).Msg("client disconnected")
}
