package realtime

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"remoteconnect/cmd/internal/approval"
	"remoteconnect/cmd/internal/chat"
	"remoteconnect/cmd/internal/frame"
	"remoteconnect/cmd/internal/transfer"
	"remoteconnect/cmd/security/password"
	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testKey = "dGhlIHNhbXBsZSBub25jZQ=="

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPasswords keeps argon2 cheap in tests.
func fastPasswords() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

// maskedFrame builds a client frame the way a browser would.
func maskedFrame(op frame.Opcode, fin bool, payload []byte) []byte {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	n := len(payload)

	var out []byte
	switch {
	case n < 126:
		out = []byte{0, byte(n)}
	case n < 1<<16:
		out = make([]byte, 4)
		out[1] = 126
		binary.BigEndian.PutUint16(out[2:], uint16(n))
	default:
		out = make([]byte, 10)
		out[1] = 127
		binary.BigEndian.PutUint64(out[2:], uint64(n))
	}
	out[0] = byte(op)
	if fin {
		out[0] |= 0x80
	}
	out[1] |= 0x80
	out = append(out, key[:]...)

	body := append([]byte(nil), payload...)
	frame.Mask(key, body)
	return append(out, body...)
}

func upgradeRequest(key string) string {
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n")
	if key != "" {
		b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	}
	b.WriteString("User-Agent: raw-test\r\nSec-WebSocket-Version: 13\r\n\r\n")
	return b.String()
}

// rawClient speaks the protocol by hand over a TCP socket.
type rawClient struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	rc := &rawClient{t: t, nc: nc, br: bufio.NewReader(nc)}
	_, err = io.WriteString(nc, upgradeRequest(testKey))
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := rc.br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "101")
	var accept string
	for {
		line, err := rc.br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Sec-WebSocket-Accept: "); ok {
			accept = v
		}
	}
	require.Equal(t, frame.AcceptKey(testKey), accept)
	return rc
}

func (rc *rawClient) send(text string) {
	rc.t.Helper()
	_, err := rc.nc.Write(maskedFrame(frame.OpText, true, []byte(text)))
	require.NoError(rc.t, err)
}

// next returns the next text message, or an error once the server closes.
func (rc *rawClient) next(timeout time.Duration) (string, error) {
	_ = rc.nc.SetReadDeadline(time.Now().Add(timeout))
	for {
		head, err := rc.br.Peek(2)
		if err != nil {
			return "", err
		}
		hl := frame.HeaderSize(head[1])
		if head, err = rc.br.Peek(hl); err != nil {
			return "", err
		}
		n, err := frame.PayloadLength(head)
		if err != nil {
			return "", err
		}
		buf := make([]byte, hl+int(n))
		if _, err := io.ReadFull(rc.br, buf); err != nil {
			return "", err
		}
		f, _, err := frame.DecodeFrame(buf)
		if err != nil {
			return "", err
		}
		switch f.Opcode {
		case frame.OpClose:
			return "", io.EOF
		case frame.OpText:
			return f.Text(), nil
		}
	}
}

// expect skips messages until one starts with prefix and returns its argument part.
func (rc *rawClient) expect(prefix string) string {
	rc.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := rc.next(time.Until(deadline))
		require.NoError(rc.t, err, "waiting for %s", prefix)
		if msg == prefix {
			return ""
		}
		if rest, ok := strings.CutPrefix(msg, prefix+v1.Separator); ok {
			return rest
		}
	}
	rc.t.Fatalf("timed out waiting for %s", prefix)
	return ""
}

// expectChat returns the next CHAT_MESSAGE of the given kind.
func (rc *rawClient) expectChat(kind string) v1.ChatRecord {
	rc.t.Helper()
	for {
		var rec v1.ChatRecord
		require.NoError(rc.t, json.Unmarshal([]byte(rc.expect(v1.PrefixChatMessage)), &rec))
		if rec.Type == kind {
			return rec
		}
	}
}

// expectClosed reads until the server ends the connection.
func (rc *rawClient) expectClosed() {
	rc.t.Helper()
	for {
		_, err := rc.next(5 * time.Second)
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(rc.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
		return
	}
}

type harness struct {
	co        *Coordinator
	approvals *approval.Service
	chat      *chat.Log
	transfers *transfer.Engine
	addr      string
	cancel    context.CancelFunc
	served    chan error
}

type harnessOpt func(*Config, *Deps, *[]approval.Option)

func withClock(c clockwork.Clock) harnessOpt {
	return func(_ *Config, d *Deps, _ *[]approval.Option) { d.Clock = c }
}

func withConfig(fn func(*Config)) harnessOpt {
	return func(c *Config, _ *Deps, _ *[]approval.Option) { fn(c) }
}

func manualApproval() harnessOpt {
	return func(_ *Config, _ *Deps, opts *[]approval.Option) {
		*opts = append(*opts, approval.WithAutoAccept(false))
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	req := require.New(t)
	log := quietLogger()

	cfg := Config{}
	deps := Deps{Log: log}
	apOpts := []approval.Option{
		approval.WithLogger(log),
		approval.WithPasswordConfig(fastPasswords()),
		approval.WithAutoAccept(true),
	}
	for _, o := range opts {
		o(&cfg, &deps, &apOpts)
	}

	tr, err := transfer.New(transfer.Config{Dir: t.TempDir()}, deps.Clock, log)
	req.NoError(err)
	ap, err := approval.NewService(approval.NewMemoryStore(), apOpts...)
	req.NoError(err)
	ch, err := chat.Open(log)
	req.NoError(err)
	t.Cleanup(func() { _ = ch.Close() })

	deps.Transfers, deps.Approvals, deps.Chat = tr, ap, ch
	co, err := NewCoordinator(cfg, deps)
	req.NoError(err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		co: co, approvals: ap, chat: ch, transfers: tr,
		addr: ln.Addr().String(), cancel: cancel, served: make(chan error, 1),
	}
	arbiterDone := make(chan struct{})
	go func() {
		defer close(arbiterDone)
		_ = co.Arbiter().Run(ctx)
	}()
	go func() { h.served <- co.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.served:
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not return")
		}
		<-arbiterDone
	})
	return h
}

// join connects, waits for the auto-issued password and authenticates as name.
func (h *harness) join(t *testing.T, name string) (*rawClient, string) {
	t.Helper()
	rc := dialRaw(t, h.addr)
	id := rc.expect(v1.PrefixClientID)
	rc.expect(v1.PrefixConnectionRequest)
	rc.expect(v1.PrefixConnectionAccepted)
	pwd := rc.expect(v1.PrefixGeneratedPassword)

	rc.send(fmt.Sprintf("AUTHENTICATE:%s:%s", pwd, name))
	rc.expect(v1.PrefixAuthenticationSuccess)
	return rc, id
}
