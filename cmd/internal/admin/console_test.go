package admin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"remoteconnect/cmd/internal/approval"
	"remoteconnect/cmd/internal/control"
	"remoteconnect/cmd/internal/transfer"
	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	closed    map[string]string
	system    []string
	refreshed int
	users     []v1.UserInfo
}

func (f *fakeSessions) CloseSession(_ context.Context, id, reason string) error {
	if id == "missing" {
		return errors.New("unknown connection")
	}
	f.closed[id] = reason
	return nil
}
func (f *fakeSessions) BroadcastSystem(text string) error {
	f.system = append(f.system, text)
	return nil
}
func (f *fakeSessions) Users() []v1.UserInfo { return f.users }
func (f *fakeSessions) RefreshUsers()        { f.refreshed++ }
func (f *fakeSessions) ConnCount() int       { return len(f.users) + 1 }

type fakeControl struct {
	snap   control.Snapshot
	forced int
}

func (f *fakeControl) Snapshot() (control.Snapshot, error) { return f.snap, nil }
func (f *fakeControl) ForceRelease(string) (string, error) {
	prev := f.snap.Holder
	f.snap.Holder = ""
	f.forced++
	return prev, nil
}

type fakeTransfers struct {
	files   []transfer.FileInfo
	cleared bool
}

func (f *fakeTransfers) ListFiles() ([]transfer.FileInfo, error) { return f.files, nil }
func (f *fakeTransfers) ClearFiles() (int, error) {
	n := len(f.files)
	f.files, f.cleared = nil, true
	return n, nil
}
func (f *fakeTransfers) ActiveSessions() int { return 2 }

type fakeChat struct{ n int }

func (f *fakeChat) Clear() error { f.n = 0; return nil }
func (f *fakeChat) Len() int     { return f.n }

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fixture struct {
	console   *Console
	out       *bytes.Buffer
	sessions  *fakeSessions
	approvals *approval.Service
	control   *fakeControl
	transfers *fakeTransfers
	chat      *fakeChat
	clock     fakeClock
	stopped   bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ap, err := approval.NewService(approval.NewMemoryStore(), approval.WithLogger(log))
	require.NoError(t, err)

	f := &fixture{
		out:       &bytes.Buffer{},
		sessions:  &fakeSessions{closed: map[string]string{}},
		approvals: ap,
		control:   &fakeControl{},
		transfers: &fakeTransfers{},
		chat:      &fakeChat{n: 3},
		clock:     clockwork.NewFakeClock(),
	}
	f.console = New(Deps{
		Sessions:  f.sessions,
		Approvals: ap,
		Control:   f.control,
		Transfers: f.transfers,
		Chat:      f.chat,
		Stop:      func() { f.stopped = true },
		Clock:     f.clock,
		Log:       log,
	}, f.out, WithColour(false), withStats(func() (ProcessStats, error) {
		return ProcessStats{RSS: 12 << 20, CPUPercent: 1.5, Threads: 9}, nil
	}))
	return f
}

func (f *fixture) run(t *testing.T, line string) string {
	t.Helper()
	f.out.Reset()
	require.NoError(t, f.console.Exec(context.Background(), line))
	return f.out.String()
}

func TestAcceptAndDenyRequests(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.approvals.CreateRequest(ctx, "conn-1", "10.0.0.5:5000")
	req.NoError(err)
	r2, err := f.approvals.CreateRequest(ctx, "conn-2", "10.0.0.6:5000")
	req.NoError(err)

	out := f.run(t, "list")
	req.Contains(out, r1.ID)
	req.Contains(out, "10.0.0.6:5000")

	out = f.run(t, "accept "+r1.ID)
	req.Contains(out, "Accepted "+r1.ID)
	pwd, err := f.approvals.Password(ctx, "conn-1")
	req.NoError(err)
	req.Contains(out, pwd)

	f.run(t, "deny "+r2.ID+" busy right now")
	pending, err := f.approvals.Pending(ctx)
	req.NoError(err)
	req.Empty(pending)
	req.Contains(f.run(t, "list"), "No pending requests.")

	out = f.run(t, "passwords")
	req.Contains(out, "conn-1")
	req.Contains(out, pwd)

	req.Contains(f.run(t, "getpassword conn-1"), pwd)

	out = f.run(t, "regenerate conn-1")
	fresh, err := f.approvals.Password(ctx, "conn-1")
	req.NoError(err)
	req.NotEqual(pwd, fresh)
	req.Contains(out, fresh)
}

func TestUsageAndUnknownCommands(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	req.ErrorIs(f.console.Exec(ctx, "accept"), ErrUsage)
	req.ErrorIs(f.console.Exec(ctx, "frobnicate"), ErrUnknownCommand)
	req.NoError(f.console.Exec(ctx, "   "))
	req.ErrorIs(f.console.Exec(ctx, "accept nosuchid"), approval.ErrRequestNotFound)
}

func TestControlCommands(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	now := f.clock.Now()
	f.control.snap = control.Snapshot{
		Holder:   "conn-1",
		Deadline: now.Add(90 * time.Second),
		Queue:    []string{"conn-2", "conn-3"},
	}

	out := f.run(t, "queue")
	req.Contains(out, "conn-1")
	req.Contains(out, "1m30s left")
	req.Contains(out, "conn-3")

	out = f.run(t, "status")
	req.Contains(out, "conn-1 (1m30s left)")
	req.Contains(out, "12.0 MB")
	req.Contains(out, "1.5%")

	req.Contains(f.run(t, "forcerelease"), "revoked from conn-1")
	req.Contains(f.run(t, "forcerelease"), "Nobody holds control.")
	req.Equal(2, f.control.forced)
}

func TestSessionChatAndFileCommands(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.sessions.users = []v1.UserInfo{{ID: "conn-1", DisplayName: "Alice", IP: "10.0.0.5", Status: v1.StatusViewer}}
	f.transfers.files = []transfer.FileInfo{{Name: "notes.txt", Size: 2048, Type: "text", ModifiedAt: f.clock.Now()}}

	req.Contains(f.run(t, "users"), "Alice")
	f.run(t, "refreshusers")
	req.Equal(1, f.sessions.refreshed)

	f.run(t, "closesession conn-1")
	req.Equal("Session closed by administrator", f.sessions.closed["conn-1"])
	f.run(t, "closesession conn-1 going offline")
	req.Equal("going offline", f.sessions.closed["conn-1"])
	req.Error(f.console.Exec(context.Background(), "closesession missing"))

	f.run(t, "chat back in five minutes")
	req.Equal([]string{"back in five minutes"}, f.sessions.system)

	f.run(t, "clearchat")
	req.Zero(f.chat.Len())

	out := f.run(t, "files")
	req.Contains(out, "notes.txt")
	req.Contains(out, "2.0 KB")
	req.Contains(f.run(t, "clearfiles"), "Removed 1 file(s).")
	req.True(f.transfers.cleared)
	req.Contains(f.run(t, "files"), "No shared files.")
}

func TestRunStopsOnEOFAndStopCommand(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	in := strings.NewReader("help\nnonsense\nstop\n")
	req.NoError(f.console.Run(context.Background(), in))
	out := f.out.String()
	req.Contains(out, "closesession <connId> [reason]")
	req.Contains(out, "error: admin: unknown command")
	req.True(f.stopped)
}

func TestShouldRun(t *testing.T) {
	req := require.New(t)
	req.True(ShouldRun("on", nil))
	req.False(ShouldRun("off", nil))
	req.False(ShouldRun("auto", nil))
}
