package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/coder/websocket"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AdminConsole = "off"
	cfg.AutoAccept = true
	cfg.UploadDir = t.TempDir()
	cfg.ScreenInterval = 20 * time.Millisecond
	return cfg
}

func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, prefix string) string {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", prefix, err)
		}
		if rest, ok := strings.CutPrefix(string(data), prefix+v1.Separator); ok {
			return rest
		}
		if string(data) == prefix {
			return ""
		}
	}
}

func httpBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url) // #nosec G107 -- test server address.
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(body)
}

func TestApp_RunServesProtocolAndOps(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Setenv("RC_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("RC_ARGON2_ITERATIONS", "1")

	a, err := New(testConfig(t), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("app not ready")
	}

	stepCtx, stepCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stepCancel()

	conn, _, err := websocket.Dial(stepCtx, "ws://"+a.ProtocolAddr().String()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	id := readUntil(stepCtx, t, conn, v1.PrefixClientID)
	pwd := readUntil(stepCtx, t, conn, v1.PrefixGeneratedPassword)
	if err := conn.Write(stepCtx, websocket.MessageText, []byte("AUTHENTICATE:"+pwd+":App")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(stepCtx, t, conn, v1.PrefixAuthenticationSuccess)
	if frame := readUntil(stepCtx, t, conn, v1.PrefixScreenData); frame == "" {
		t.Fatalf("expected a screen frame")
	}

	base := "http://" + a.HTTPAddr().String()
	if code, body := httpBody(t, base+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := httpBody(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	code, body := httpBody(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
	for _, want := range []string{"remoteconnect_connections_active 1", "remoteconnect_screen_frames_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q for conn %s", want, id)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop")
	}

	readUntil(stepCtx, t, conn, v1.PrefixSessionClosedByServer)
}

func TestApp_NewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ListenAddr = ""
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestApp_RunFailsOnBusyAddress(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := New(testConfig(t), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	<-first.Ready()

	cfg := testConfig(t)
	cfg.ListenAddr = first.ProtocolAddr().String()
	second, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Run(context.Background()); err == nil {
		t.Fatalf("expected listen error")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
