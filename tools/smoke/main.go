// Package main provides a CI-friendly smoke test for a running RemoteConnect server started
// with auto-accept enabled.
//
// It validates:
//   - handshake, CLIENT_ID and GENERATED_PASSWORD delivery
//   - authentication of two viewers
//   - control grant, queueing and hand-off on release
//   - chat fanout
//   - a single-chunk upload announced to the other viewer
//   - PING and END_SESSION
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const maxReadBytes = 16 << 20

type smokeClient struct {
	name string
	id   string
	conn *websocket.Conn

	inbox chan string
	errCh chan error
}

func main() {
	var (
		wsURL   = pflag.String("url", "ws://127.0.0.1:8080/", "server URL")
		text    = pflag.String("text", "hello from smoke", "chat message to send")
		timeout = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s\n", a.id, b.id)
	}

	a.send(root, v1.PrefixRequestControl, *timeout)
	if got := a.mustReadUntil(root, v1.PrefixControlResponse, *timeout); got != "true" {
		fatalf("A control response: got=%q want=true", got)
	}
	b.send(root, v1.PrefixRequestControl, *timeout)
	if got := b.mustReadUntil(root, v1.PrefixQueuePosition, *timeout); got != "1" {
		fatalf("B queue position: got=%q want=1", got)
	}

	a.send(root, v1.Msg(v1.PrefixChatMessage, *text), *timeout)
	mustChat(root, b, a.id, *text, *timeout)

	payload := []byte("remoteconnect smoke payload\n")
	name := fmt.Sprintf("smoke-%d.txt", time.Now().UnixNano())
	a.send(root, fmt.Sprintf("%s:%s:%d:text/plain", v1.PrefixFileUploadStart, name, len(payload)), *timeout)
	sid := a.mustReadUntil(root, v1.PrefixUploadSession, *timeout)
	a.send(root, v1.Msg(v1.PrefixFileChunk, sid, "0", base64.StdEncoding.EncodeToString(payload)), *timeout)
	if got := a.mustReadUntil(root, v1.PrefixChunkAck, *timeout); got != sid+":0:true" {
		fatalf("chunk ack: got=%q", got)
	}
	if got := b.mustReadUntil(root, v1.PrefixFileAvailable, *timeout); got != name {
		fatalf("file available: got=%q want=%q", got, name)
	}

	a.send(root, v1.PrefixReleaseControl, *timeout)
	b.mustReadUntil(root, v1.PrefixControlGranted, *timeout)

	b.send(root, v1.PrefixPing, *timeout)
	b.mustReadUntil(root, v1.PrefixPong, *timeout)

	a.send(root, v1.PrefixEndSession, *timeout)
	a.mustReadUntil(root, v1.PrefixSessionEndedConfirmation, *timeout)
	if got := b.mustReadUntil(root, v1.PrefixUserLeft, *timeout); !strings.Contains(got, a.id) {
		fatalf("user left: got=%q want id %s", got, a.id)
	}

	fmt.Printf("OK: A=%s B=%s upload=%s\n", a.id, b.id, name)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// mustConnect dials, waits for the auto-accepted password and authenticates.
func mustConnect(parent context.Context, name, wsURL string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan string, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.id = c.mustReadUntil(parent, v1.PrefixClientID, stepTimeout)
	pwd := c.mustReadUntil(parent, v1.PrefixGeneratedPassword, stepTimeout)

	c.send(parent, v1.Msg(v1.PrefixAuthenticate, pwd, "smoke-"+name), stepTimeout)
	c.mustReadUntil(parent, v1.PrefixAuthenticationSuccess, stepTimeout)
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unexpected message type: %v", mt):
				default:
				}
				return
			}

			msg := string(data)
			// Screen frames are frequent and irrelevant here.
			if strings.HasPrefix(msg, v1.PrefixScreenData+v1.Separator) {
				continue
			}
			select {
			case c.inbox <- msg:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) send(parent context.Context, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		fatalf("write %s (%s): %v", prefixOf(text), c.name, err)
	}
}

// mustReadUntil skips messages until one with prefix arrives and returns its arguments.
func (c *smokeClient) mustReadUntil(parent context.Context, prefix string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", prefix, c.name)
		case err := <-c.errCh:
			fatalf("read %s (%s): %v", prefix, c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %s (%s)", prefix, c.name)
			}
			if msg == prefix {
				return ""
			}
			if rest, found := strings.CutPrefix(msg, prefix+v1.Separator); found {
				return rest
			}
			if strings.HasPrefix(msg, v1.PrefixError+v1.Separator) {
				fatalf("server error waiting for %s (%s): %s", prefix, c.name, msg)
			}
		}
	}
}

func mustChat(parent context.Context, c *smokeClient, senderID, text string, stepTimeout time.Duration) {
	for {
		raw := c.mustReadUntil(parent, v1.PrefixChatMessage, stepTimeout)
		var rec v1.ChatRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			fatalf("unmarshal chat (%s): %v", c.name, err)
		}
		if rec.Type != v1.ChatKindText {
			continue
		}
		if rec.SenderID != senderID || rec.Message != text {
			fatalf("chat mismatch (%s): got sender=%q text=%q", c.name, rec.SenderID, rec.Message)
		}
		return
	}
}

func prefixOf(text string) string {
	p, _, _ := strings.Cut(text, v1.Separator)
	return p
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
