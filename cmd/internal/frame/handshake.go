package frame

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // fixed by the upgrade protocol
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// acceptGUID is appended to the client key before hashing.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeBytes bounds the upgrade request read from a fresh connection.
const maxHandshakeBytes = 8 << 10

// Handshake holds the parts of an upgrade request the server looks at.
type Handshake struct {
	RequestLine string
	Key         string
	Origin      string
	UserAgent   string
}

// AcceptKey computes the Sec-WebSocket-Accept token for a client key.
func AcceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	_, _ = io.WriteString(h, key)
	_, _ = io.WriteString(h, acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ReadHandshake reads an upgrade request line by line until the terminating blank line.
// It returns ErrNoKey, along with whatever was parsed, when the key header is absent.
func ReadHandshake(r *bufio.Reader) (Handshake, error) {
	var hs Handshake
	total := 0
	first := true

	for {
		line, err := r.ReadString('\n')
		total += len(line)
		if err != nil {
			return hs, fmt.Errorf("read handshake: %w", err)
		}
		if total > maxHandshakeBytes {
			return hs, fmt.Errorf("handshake exceeds %d bytes: %w", maxHandshakeBytes, ErrMalformed)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if first {
			hs.RequestLine = line
			first = false
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sec-websocket-key":
			hs.Key = value
		case "origin":
			hs.Origin = value
		case "user-agent":
			hs.UserAgent = value
		}
	}

	if hs.Key == "" {
		return hs, ErrNoKey
	}
	return hs, nil
}

// WriteHandshakeResponse writes the fixed 101 upgrade response for key.
func WriteHandshakeResponse(w io.Writer, key string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"
	_, err := io.WriteString(w, resp)
	return err
}
