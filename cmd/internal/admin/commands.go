package admin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"remoteconnect/cmd/internal/transfer"

	"github.com/shirou/gopsutil/process"
)

type command struct {
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

// commands is filled in init; the handlers read it back for usage and help text.
var commands map[string]command

func init() {
	commands = map[string]command{
		"list":         {"list", "Show pending connection requests", (*Console).cmdList},
		"accept":       {"accept <reqId>", "Approve a request and issue a password", (*Console).cmdAccept},
		"deny":         {"deny <reqId> [reason]", "Reject a request", (*Console).cmdDeny},
		"passwords":    {"passwords", "Show issued passwords", (*Console).cmdPasswords},
		"getpassword":  {"getpassword <connId>", "Show the password of one connection", (*Console).cmdGetPassword},
		"regenerate":   {"regenerate <connId>", "Issue a new password to a connection", (*Console).cmdRegenerate},
		"closesession": {"closesession <connId> [reason]", "Disconnect a client", (*Console).cmdCloseSession},
		"status":       {"status", "Server, control and process status", (*Console).cmdStatus},
		"forcerelease": {"forcerelease", "Revoke control from the current holder", (*Console).cmdForceRelease},
		"queue":        {"queue", "Show the control holder and queue", (*Console).cmdQueue},
		"chat":         {"chat <text>", "Send a system chat message", (*Console).cmdChat},
		"clearchat":    {"clearchat", "Delete the chat history", (*Console).cmdClearChat},
		"files":        {"files", "List shared files", (*Console).cmdFiles},
		"clearfiles":   {"clearfiles", "Delete every shared file", (*Console).cmdClearFiles},
		"users":        {"users", "List authenticated users", (*Console).cmdUsers},
		"refreshusers": {"refreshusers", "Rebroadcast the user list", (*Console).cmdRefreshUsers},
		"stop":         {"stop", "Shut the server down", (*Console).cmdStop},
		"help":         {"help", "Show this help", (*Console).cmdHelp},
	}
}

var commandOrder = []string{
	"list", "accept", "deny", "passwords", "getpassword", "regenerate", "closesession",
	"status", "forcerelease", "queue", "chat", "clearchat", "files", "clearfiles",
	"users", "refreshusers", "stop", "help",
}

// Exec runs one command line. Blank lines are ignored.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: %q (try 'help')", ErrUnknownCommand, fields[0])
	}
	c.d.Log.Debug("admin.exec", "command", name)
	return cmd.run(c, ctx, fields[1:])
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s", ErrUsage, usage)
	}
	return nil
}

func (c *Console) cmdList(ctx context.Context, _ []string) error {
	pending, err := c.d.Approvals.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		c.note("No pending requests.")
		return nil
	}
	rows := make([][]string, 0, len(pending))
	for _, r := range pending {
		rows = append(rows, []string{r.ID, r.ConnID, r.Addr, r.CreatedAt.Local().Format(time.TimeOnly)})
	}
	c.table([]string{"Request", "Connection", "Address", "Since"}, rows)
	return nil
}

func (c *Console) cmdAccept(ctx context.Context, args []string) error {
	if err := need(args, 1, commands["accept"].usage); err != nil {
		return err
	}
	pwd, err := c.d.Approvals.Accept(ctx, args[0])
	if err != nil {
		return err
	}
	c.ok("Accepted %s. Password: %s", args[0], pwd)
	return nil
}

func (c *Console) cmdDeny(ctx context.Context, args []string) error {
	if err := need(args, 1, commands["deny"].usage); err != nil {
		return err
	}
	if err := c.d.Approvals.Deny(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	c.ok("Denied %s.", args[0])
	return nil
}

func (c *Console) cmdPasswords(ctx context.Context, _ []string) error {
	grants, err := c.d.Approvals.Passwords(ctx)
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		c.note("No passwords issued.")
		return nil
	}
	rows := make([][]string, 0, len(grants))
	for _, g := range grants {
		rows = append(rows, []string{g.ConnID, g.Password, g.IssuedAt.Local().Format(time.TimeOnly)})
	}
	c.table([]string{"Connection", "Password", "Issued"}, rows)
	return nil
}

func (c *Console) cmdGetPassword(ctx context.Context, args []string) error {
	if err := need(args, 1, commands["getpassword"].usage); err != nil {
		return err
	}
	pwd, err := c.d.Approvals.Password(ctx, args[0])
	if err != nil {
		return err
	}
	c.ok("%s: %s", args[0], pwd)
	return nil
}

func (c *Console) cmdRegenerate(ctx context.Context, args []string) error {
	if err := need(args, 1, commands["regenerate"].usage); err != nil {
		return err
	}
	pwd, err := c.d.Approvals.Regenerate(ctx, args[0])
	if err != nil {
		return err
	}
	c.ok("New password for %s: %s", args[0], pwd)
	return nil
}

func (c *Console) cmdCloseSession(ctx context.Context, args []string) error {
	if err := need(args, 1, commands["closesession"].usage); err != nil {
		return err
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "Session closed by administrator"
	}
	if err := c.d.Sessions.CloseSession(ctx, args[0], reason); err != nil {
		return err
	}
	c.ok("Closed %s.", args[0])
	return nil
}

func (c *Console) cmdStatus(_ context.Context, _ []string) error {
	now := c.d.Clock.Now()
	rows := [][]string{
		{"Uptime", now.Sub(c.started).Truncate(time.Second).String()},
		{"Connections", strconv.Itoa(c.d.Sessions.ConnCount())},
		{"Authenticated", strconv.Itoa(len(c.d.Sessions.Users()))},
		{"Active transfers", strconv.Itoa(c.d.Transfers.ActiveSessions())},
		{"Chat messages", strconv.Itoa(c.d.Chat.Len())},
	}

	snap, err := c.d.Control.Snapshot()
	if err != nil {
		return err
	}
	holder := "none"
	if snap.Held() {
		holder = fmt.Sprintf("%s (%s left)", snap.Holder, snap.Remaining(now).Truncate(time.Second))
	}
	rows = append(rows,
		[]string{"Control", holder},
		[]string{"Queue length", strconv.Itoa(len(snap.Queue))},
	)

	if st, err := c.stats(); err != nil {
		c.d.Log.Debug("admin.stats.fail", "err", err)
	} else {
		rows = append(rows,
			[]string{"Memory (RSS)", transfer.FormatSize(int64(st.RSS))},
			[]string{"CPU", fmt.Sprintf("%.1f%%", st.CPUPercent)},
			[]string{"Threads", strconv.Itoa(int(st.Threads))},
		)
	}
	c.table([]string{"Metric", "Value"}, rows)
	return nil
}

func (c *Console) cmdForceRelease(_ context.Context, _ []string) error {
	prev, err := c.d.Control.ForceRelease(adminID)
	if err != nil {
		return err
	}
	if prev == "" {
		c.note("Nobody holds control.")
		return nil
	}
	c.ok("Control revoked from %s.", prev)
	return nil
}

func (c *Console) cmdQueue(_ context.Context, _ []string) error {
	snap, err := c.d.Control.Snapshot()
	if err != nil {
		return err
	}
	if !snap.Held() && len(snap.Queue) == 0 {
		c.note("Control is idle.")
		return nil
	}
	rows := make([][]string, 0, len(snap.Queue)+1)
	if snap.Held() {
		rows = append(rows, []string{"0", snap.Holder, "holding, " + snap.Remaining(c.d.Clock.Now()).Truncate(time.Second).String() + " left"})
	}
	for i, id := range snap.Queue {
		rows = append(rows, []string{strconv.Itoa(i + 1), id, "waiting"})
	}
	c.table([]string{"Position", "Connection", "State"}, rows)
	return nil
}

func (c *Console) cmdChat(_ context.Context, args []string) error {
	if err := need(args, 1, commands["chat"].usage); err != nil {
		return err
	}
	return c.d.Sessions.BroadcastSystem(strings.Join(args, " "))
}

func (c *Console) cmdClearChat(_ context.Context, _ []string) error {
	if err := c.d.Chat.Clear(); err != nil {
		return err
	}
	c.ok("Chat history cleared.")
	return nil
}

func (c *Console) cmdFiles(_ context.Context, _ []string) error {
	files, err := c.d.Transfers.ListFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		c.note("No shared files.")
		return nil
	}
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{f.Name, transfer.FormatSize(f.Size), f.Type, f.ModifiedAt.Local().Format(time.DateTime)})
	}
	c.table([]string{"Name", "Size", "Type", "Modified"}, rows)
	return nil
}

func (c *Console) cmdClearFiles(_ context.Context, _ []string) error {
	n, err := c.d.Transfers.ClearFiles()
	if err != nil {
		return err
	}
	c.ok("Removed %d file(s).", n)
	return nil
}

func (c *Console) cmdUsers(_ context.Context, _ []string) error {
	users := c.d.Sessions.Users()
	if len(users) == 0 {
		c.note("No authenticated users.")
		return nil
	}
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		rows = append(rows, []string{u.ID, u.DisplayName, u.IP, u.Status})
	}
	c.table([]string{"Connection", "Name", "Address", "Status"}, rows)
	return nil
}

func (c *Console) cmdRefreshUsers(_ context.Context, _ []string) error {
	c.d.Sessions.RefreshUsers()
	c.ok("User list sent.")
	return nil
}

func (c *Console) cmdStop(_ context.Context, _ []string) error {
	c.note("Stopping server...")
	c.d.Log.Info("admin.stop")
	c.d.Stop()
	return nil
}

func (c *Console) cmdHelp(_ context.Context, _ []string) error {
	rows := make([][]string, 0, len(commandOrder))
	for _, name := range commandOrder {
		cmd := commands[name]
		rows = append(rows, []string{cmd.usage, cmd.help})
	}
	c.table([]string{"Command", "Description"}, rows)
	return nil
}

// ProcessStats is a point-in-time reading of this process.
type ProcessStats struct {
	RSS        uint64
	CPUPercent float64
	Threads    int32
}

func readProcessStats() (ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pids fit in int32.
	if err != nil {
		return ProcessStats{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ProcessStats{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return ProcessStats{}, err
	}
	threads, err := p.NumThreads()
	if err != nil {
		return ProcessStats{}, err
	}
	return ProcessStats{RSS: mem.RSS, CPUPercent: cpu, Threads: threads}, nil
}
