// Package admin implements the host operator console: a line-oriented command loop that
// approves connections, inspects sessions and control, and manages shared files and chat.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"remoteconnect/cmd/internal/approval"
	"remoteconnect/cmd/internal/control"
	"remoteconnect/cmd/internal/transfer"
	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/gookit/color"
	"github.com/jonboulle/clockwork"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

// Console modes accepted by ShouldRun.
const (
	ModeAuto = "auto"
	ModeOn   = "on"
	ModeOff  = "off"
)

// adminID identifies the console in arbiter and audit logs.
const adminID = "admin-console"

type Sessions interface {
	CloseSession(ctx context.Context, id, reason string) error
	BroadcastSystem(text string) error
	Users() []v1.UserInfo
	RefreshUsers()
	ConnCount() int
}

type Approvals interface {
	Pending(ctx context.Context) ([]approval.Request, error)
	Accept(ctx context.Context, requestID string) (string, error)
	Deny(ctx context.Context, requestID, reason string) error
	Passwords(ctx context.Context) ([]approval.Grant, error)
	Password(ctx context.Context, connID string) (string, error)
	Regenerate(ctx context.Context, connID string) (string, error)
}

type Control interface {
	Snapshot() (control.Snapshot, error)
	ForceRelease(adminID string) (string, error)
}

type Transfers interface {
	ListFiles() ([]transfer.FileInfo, error)
	ClearFiles() (int, error)
	ActiveSessions() int
}

type Chat interface {
	Clear() error
	Len() int
}

// Deps are the services the console drives. Stop is called by the stop command.
type Deps struct {
	Sessions  Sessions
	Approvals Approvals
	Control   Control
	Transfers Transfers
	Chat      Chat
	Stop      func()
	Clock     clockwork.Clock
	Log       *slog.Logger
}

// Console executes operator commands and writes their output to out.
type Console struct {
	d       Deps
	out     io.Writer
	colour  bool
	started time.Time
	stats   func() (ProcessStats, error)
}

type Option func(*Console)

// WithColour forces coloured output on or off.
func WithColour(on bool) Option {
	return func(c *Console) { c.colour = on }
}

func withStats(fn func() (ProcessStats, error)) Option {
	return func(c *Console) { c.stats = fn }
}

func New(d Deps, out io.Writer, opts ...Option) *Console {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Stop == nil {
		d.Stop = func() {}
	}
	if out == nil {
		out = os.Stdout
	}
	c := &Console{
		d:       d,
		out:     out,
		colour:  isTerminal(out),
		started: d.Clock.Now(),
		stats:   readProcessStats,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldRun resolves the console mode. In auto mode the console runs only when stdin is a terminal.
func ShouldRun(mode string, stdin *os.File) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeOn:
		return true
	case ModeOff:
		return false
	}
	return stdin != nil && term.IsTerminal(int(stdin.Fd()))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run reads commands from in until ctx is done or in reaches EOF.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.d.Log.Info("admin.console.start")
	fmt.Fprintln(c.out, c.paint(color.FgCyan, "Admin console ready. Type 'help' for commands."))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.d.Log.Info("admin.console.eof")
				return nil
			}
			if err := c.Exec(ctx, line); err != nil {
				fmt.Fprintln(c.out, c.paint(color.FgRed, "error: "+err.Error()))
			}
		}
	}
}

func (c *Console) paint(fg color.Color, s string) string {
	if !c.colour {
		return s
	}
	return color.New(fg).Render(s)
}

func (c *Console) ok(format string, args ...any) {
	fmt.Fprintln(c.out, c.paint(color.FgGreen, fmt.Sprintf(format, args...)))
}

func (c *Console) note(format string, args ...any) {
	fmt.Fprintln(c.out, c.paint(color.FgYellow, fmt.Sprintf(format, args...)))
}

func (c *Console) table(header []string, rows [][]string) {
	t := tablewriter.NewWriter(c.out)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.AppendBulk(rows)
	t.Render()
}
