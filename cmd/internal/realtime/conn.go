package realtime

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"remoteconnect/cmd/internal/frame"
)

// Conn is one desktop-protocol connection.
//
// Writes are serialized by wmu. Send waits for it; SendFast gives up and drops the frame when
// another write is in flight, so a slow client never sees interleaved bytes from two frames.
// Close is idempotent.
type Conn struct {
	ID          string
	Addr        string
	UserAgent   string
	ConnectedAt time.Time

	nc           net.Conn
	br           *bufio.Reader
	log          *slog.Logger
	metrics      *Metrics
	writeTimeout time.Duration
	maxFrame     int

	wmu sync.Mutex

	mu            sync.RWMutex
	name          string
	authenticated bool

	lastSeen atomic.Int64
	budget   *msgBudget

	// upgraded is set once the 101 response is on the wire; before that Close stays silent.
	upgraded atomic.Bool

	done        chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
}

type connOptions struct {
	log          *slog.Logger
	metrics      *Metrics
	writeTimeout time.Duration
	maxFrame     int
	rateMsgs     int
	rateWindow   time.Duration
}

func newConn(nc net.Conn, id string, now time.Time, o connOptions) *Conn {
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.writeTimeout <= 0 {
		o.writeTimeout = DefaultWriteTimeout
	}
	if o.maxFrame <= 0 {
		o.maxFrame = DefaultMaxFrameBytes
	}
	c := &Conn{
		ID:           id,
		Addr:         nc.RemoteAddr().String(),
		ConnectedAt:  now,
		nc:           nc,
		br:           bufio.NewReader(nc),
		log:          o.log.With("conn_id", id),
		metrics:      o.metrics,
		writeTimeout: o.writeTimeout,
		maxFrame:     o.maxFrame,
		budget:       newMsgBudget(o.rateMsgs, o.rateWindow),
		done:         make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// handshake reads the upgrade request and answers it. Without a key no response is written:
// the peer is left waiting until the deadline passes and the socket is closed.
func (c *Conn) handshake(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))

	hs, err := frame.ReadHandshake(c.br)
	if errors.Is(err, frame.ErrNoKey) {
		_, _ = io.Copy(io.Discard, c.br)
		c.Close()
		return err
	}
	if err != nil {
		c.Close()
		return err
	}
	c.UserAgent = hs.UserAgent

	c.wmu.Lock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err = frame.WriteHandshakeResponse(c.nc, hs.Key)
	c.wmu.Unlock()
	if err != nil {
		c.Close()
		return fmt.Errorf("write handshake: %w", err)
	}
	c.upgraded.Store(true)

	_ = c.nc.SetReadDeadline(time.Time{})
	return nil
}

// readFrame reads exactly one frame. The header is peeked first so an oversized length is
// rejected before any payload is buffered.
func (c *Conn) readFrame() (frame.Frame, error) {
	head, err := c.br.Peek(2)
	if err != nil {
		return frame.Frame{}, err
	}
	hl := frame.HeaderSize(head[1])
	if head, err = c.br.Peek(hl); err != nil {
		return frame.Frame{}, err
	}
	n, err := frame.PayloadLength(head)
	if err != nil {
		return frame.Frame{}, err
	}
	if n > uint64(c.maxFrame) {
		return frame.Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooBig, n, c.maxFrame)
	}

	buf := make([]byte, hl+int(n))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return frame.Frame{}, err
	}
	f, _, err := frame.DecodeFrame(buf)
	return f, err
}

// readLoop delivers text messages to handle until the peer closes, the connection is closed
// locally, or a protocol error occurs. A clean close returns nil.
func (c *Conn) readLoop(handle func(text string)) error {
	for {
		f, err := c.readFrame()
		if err != nil {
			if c.Closed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if c.metrics != nil {
			c.metrics.FramesIn.Inc()
		}

		switch f.Opcode {
		case frame.OpText, frame.OpBinary:
			if !f.Fin {
				return ErrFragmented
			}
			handle(f.Text())
			if c.Closed() {
				return nil
			}
		case frame.OpClose:
			return nil
		case frame.OpPing:
			if err := c.writeFrame(frame.EncodeFrame(frame.OpPong, f.Payload), false); err != nil {
				return nil
			}
		case frame.OpPong:
		case frame.OpContinuation:
			return ErrFragmented
		default:
			return fmt.Errorf("%w: opcode %#x", frame.ErrMalformed, byte(f.Opcode))
		}
	}
}

// Send writes text as one frame, waiting for any write in flight.
func (c *Conn) Send(text string) error {
	return c.writeFrame(frame.Encode(text), false)
}

// SendFast writes text unless another write is in progress, in which case the frame is
// dropped and false is returned.
func (c *Conn) SendFast(text string) bool {
	return c.writeFrame(frame.Encode(text), true) == nil
}

var errBusy = errors.New("realtime: write in progress")

func (c *Conn) writeFrame(b []byte, fast bool) error {
	if c.Closed() {
		return ErrConnClosed
	}
	if fast {
		if !c.wmu.TryLock() {
			return errBusy
		}
	} else {
		c.wmu.Lock()
	}
	defer c.wmu.Unlock()

	_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.nc.Write(b); err != nil {
		c.log.Debug("conn.write.fail", "err", err)
		c.Close()
		return fmt.Errorf("write: %w", err)
	}
	if c.metrics != nil {
		c.metrics.FramesOut.Inc()
	}
	return nil
}

// Close closes the socket, first sending a best-effort close frame if the upgrade completed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.upgraded.Load() && c.wmu.TryLock() {
			_ = c.nc.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
			_, _ = c.nc.Write(frame.EncodeFrame(frame.OpClose, nil))
			c.wmu.Unlock()
		}
		_ = c.nc.Close()
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// LastSeen is the time of the last inbound message.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Conn) markAuthenticated(name string) {
	c.mu.Lock()
	c.authenticated = true
	c.name = name
	c.mu.Unlock()
}

// Host is the peer IP without the port.
func (c *Conn) Host() string {
	if host, _, err := net.SplitHostPort(c.Addr); err == nil {
		return host
	}
	return c.Addr
}

// defaultName derives a display name from the tail of the id; the head of a ULID is its timestamp.
func defaultName(id string) string {
	if len(id) <= 4 {
		return defaultNamePrefix + id
	}
	return defaultNamePrefix + id[len(id)-4:]
}
