package realtime

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"remoteconnect/cmd/internal/frame"

	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, maxFrame int) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	c := newConn(server, "01HZY0000000000000000000ABCD", time.Now(), connOptions{
		log:          quietLogger(),
		writeTimeout: time.Second,
		maxFrame:     maxFrame,
	})
	return c, client
}

func TestConnHandshakeAndCoalescedFrames(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)

	hsErr := make(chan error, 1)
	go func() { hsErr <- c.handshake(time.Second) }()

	_, err := io.WriteString(client, upgradeRequest(testKey))
	req.NoError(err)

	br := bufio.NewReader(client)
	var resp strings.Builder
	for {
		line, err := br.ReadString('\n')
		req.NoError(err)
		resp.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	req.NoError(<-hsErr)
	req.Contains(resp.String(), "101 Switching Protocols")
	req.Contains(resp.String(), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	req.Equal("raw-test", c.UserAgent)

	got := make(chan string, 4)
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- c.readLoop(func(text string) { got <- text })
	}()

	var batch []byte
	batch = append(batch, maskedFrame(frame.OpText, true, []byte("PING"))...)
	batch = append(batch, maskedFrame(frame.OpText, true, []byte("CHAT_MESSAGE:hi"))...)
	batch = append(batch, maskedFrame(frame.OpClose, true, nil)...)
	_, err = client.Write(batch)
	req.NoError(err)

	req.Equal("PING", <-got)
	req.Equal("CHAT_MESSAGE:hi", <-got)
	req.NoError(<-loopErr)
}

func TestConnHandshakeMissingKeyWritesNothing(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)

	hsErr := make(chan error, 1)
	go func() { hsErr <- c.handshake(150 * time.Millisecond) }()

	_, err := io.WriteString(client, upgradeRequest(""))
	req.NoError(err)

	n, err := client.Read(make([]byte, 64))
	req.Equal(0, n)
	req.ErrorIs(err, io.EOF)
	req.ErrorIs(<-hsErr, frame.ErrNoKey)
	req.True(c.Closed())
}

func TestConnMalformedHandshakeWritesNothing(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)

	hsErr := make(chan error, 1)
	go func() { hsErr <- c.handshake(time.Second) }()
	go func() {
		_, _ = io.WriteString(client, "GET / HTTP/1.1\r\nX-Pad: "+strings.Repeat("a", 9<<10)+"\r\n\r\n")
	}()

	n, err := client.Read(make([]byte, 64))
	req.Equal(0, n)
	req.ErrorIs(err, io.EOF)
	req.ErrorIs(<-hsErr, frame.ErrMalformed)
	req.True(c.Closed())
}

func TestConnCloseAfterUpgradeSendsCloseFrame(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)

	hsErr := make(chan error, 1)
	go func() { hsErr <- c.handshake(time.Second) }()
	_, err := io.WriteString(client, upgradeRequest(testKey))
	req.NoError(err)

	br := bufio.NewReader(client)
	for {
		line, err := br.ReadString('\n')
		req.NoError(err)
		if line == "\r\n" {
			break
		}
	}
	req.NoError(<-hsErr)

	go c.Close()
	head := make([]byte, 2)
	_, err = io.ReadFull(br, head)
	req.NoError(err)
	req.Equal([]byte{0x88, 0x00}, head)
}

func TestConnPingAnsweredWithPong(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)

	go func() { _ = c.readLoop(func(string) {}) }()
	go func() { _, _ = client.Write(maskedFrame(frame.OpPing, true, []byte("hb"))) }()

	buf := make([]byte, 16)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadAtLeast(client, buf, 4)
	req.NoError(err)
	f, _, err := frame.DecodeFrame(buf[:n])
	req.NoError(err)
	req.Equal(frame.OpPong, f.Opcode)
	req.Equal("hb", string(f.Payload))
}

func TestConnRejectsOversizedFrame(t *testing.T) {
	c, client := pipeConn(t, 16)

	go func() { _, _ = client.Write(maskedFrame(frame.OpText, true, make([]byte, 100))) }()

	err := c.readLoop(func(string) { t.Error("oversized frame must not be delivered") })
	require.ErrorIs(t, err, ErrFrameTooBig)
}

func TestConnRejectsFragmentedFrame(t *testing.T) {
	c, client := pipeConn(t, 0)

	go func() { _, _ = client.Write(maskedFrame(frame.OpText, false, []byte("PI"))) }()

	err := c.readLoop(func(string) { t.Error("fragment must not be delivered") })
	require.ErrorIs(t, err, ErrFragmented)
}

func TestSendFastDropsWhileWriteInFlight(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)

	c.wmu.Lock()
	req.False(c.SendFast("SCREEN_DATA:1:AAAA"))
	c.wmu.Unlock()

	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := io.ReadAtLeast(client, buf, 2)
		text, _ := frame.Decode(buf[:n])
		read <- text
	}()
	req.True(c.SendFast("SCREEN_DATA:2:AAAA"))
	req.Equal("SCREEN_DATA:2:AAAA", <-read)
}

func TestSendAfterCloseFails(t *testing.T) {
	req := require.New(t)
	c, client := pipeConn(t, 0)
	go func() { _, _ = io.Copy(io.Discard, client) }()

	c.Close()
	c.Close()
	req.True(c.Closed())
	req.ErrorIs(c.Send("PONG"), ErrConnClosed)
	req.False(c.SendFast("PONG"))
}

func TestDefaultNameUsesIDTail(t *testing.T) {
	require.Equal(t, "User-ABCD", defaultName("01HZY0000000000000000000ABCD"))
	require.Equal(t, "User-ab", defaultName("ab"))
}
