package realtime

import (
	"context"
	"errors"

	"remoteconnect/cmd/internal/audit"
	"remoteconnect/cmd/internal/chat"
	"remoteconnect/cmd/internal/input"
	"remoteconnect/cmd/internal/transfer"
	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/samber/lo"
)

const fileDateLayout = "02/01/2006 15:04"

// dispatch handles one inbound text message from c.
func (co *Coordinator) dispatch(ctx context.Context, c *Conn, text string) {
	now := co.clock.Now()
	c.touch(now)

	if !c.budget.take(now) {
		co.log.Debug("conn.rate_limited", "conn_id", c.ID)
		_ = c.Send(v1.Error(v1.ReasonRateLimited))
		return
	}

	cmd, err := v1.Parse(text)
	if err != nil {
		co.log.Debug("conn.command.reject", "conn_id", c.ID, "err", err)
		reason := v1.ReasonMalformed
		if errors.Is(err, v1.ErrUnknownCommand) {
			reason = v1.ReasonUnknownCommand
		}
		_ = c.Send(v1.Error(reason))
		return
	}

	if !c.Authenticated() {
		switch cmd.(type) {
		case v1.Authenticate, v1.Ping, v1.EndSession:
		default:
			_ = c.Send(v1.PrefixNotAuthenticated)
			return
		}
	}

	switch cmd := cmd.(type) {
	case v1.Authenticate:
		co.handleAuthenticate(ctx, c, cmd)
	case v1.RequestControl:
		co.handleRequestControl(c)
	case v1.ReleaseControl:
		co.handleReleaseControl(c)
	case v1.RequestControlStatus:
		co.handleControlStatus(c)
	case v1.InputEvent:
		co.handleInput(ctx, c, cmd)
	case v1.FileUploadStart:
		co.handleUploadStart(c, cmd)
	case v1.FileChunk:
		co.handleFileChunk(ctx, c, cmd)
	case v1.RequestFileList:
		co.handleFileList(c)
	case v1.DownloadFile:
		co.handleDownload(ctx, c, cmd)
	case v1.RequestChunk:
		co.handleRequestChunk(c, cmd)
	case v1.ChatMessage:
		co.handleChat(c, cmd)
	case v1.RequestUserList:
		co.sendJSON(c, v1.PrefixUserList, co.Users())
	case v1.EndSession:
		_ = c.Send(v1.PrefixSessionEndedConfirmation)
		c.Close()
	case v1.Ping:
		_ = c.Send(v1.PrefixPong)
	}
}

func (co *Coordinator) handleAuthenticate(ctx context.Context, c *Conn, cmd v1.Authenticate) {
	if c.Authenticated() {
		_ = c.Send(v1.PrefixAuthenticationSuccess)
		return
	}

	ok, err := co.approvals.Verify(ctx, c.ID, cmd.Password)
	if err != nil {
		co.log.Warn("auth.verify.fail", "conn_id", c.ID, "err", err)
	}
	if !ok {
		co.metrics.AuthFailures.Inc()
		co.log.Info("auth.failed", "conn_id", c.ID, "remote", c.Addr)
		co.recordAudit(ctx, audit.ActionAuthFailed, c, nil)
		_ = c.Send(v1.PrefixAuthenticationFailed)
		c.Close()
		return
	}

	name := cmd.DisplayName
	if name == "" {
		name = defaultName(c.ID)
	}
	c.markAuthenticated(name)
	co.log.Info("auth.success", "conn_id", c.ID, "name", name)
	co.recordAudit(ctx, audit.ActionAuthSuccess, c, map[string]any{"name": name})

	if err := c.Send(v1.PrefixAuthenticationSuccess); err != nil {
		return
	}
	history, err := co.chat.History()
	if err != nil {
		co.log.Warn("chat.history.fail", "err", err)
	}
	co.sendJSON(c, v1.PrefixChatHistory, lo.Map(history, func(r chat.Record, _ int) v1.ChatRecord { return r.Wire() }))
	co.sendJSON(c, v1.PrefixUserList, co.Users())

	co.announceJoin(c)
}

func (co *Coordinator) announceJoin(c *Conn) {
	if rec, err := co.chat.System(c.Name() + " joined the session"); err == nil {
		co.broadcastChat(rec)
	}
	co.broadcastUserList()
	if msg, err := v1.JSONMsg(v1.PrefixUserJoined, userInfo(c, co.currentHolder())); err == nil {
		co.reg.Broadcast(msg, c.ID)
	}
}

func (co *Coordinator) announceLeave(c *Conn) {
	if rec, err := co.chat.System(c.Name() + " left the session"); err == nil {
		co.broadcastChat(rec)
	}
	co.broadcastUserList()
	if msg, err := v1.JSONMsg(v1.PrefixUserLeft, userInfo(c, "")); err == nil {
		co.reg.Broadcast(msg)
	}
}

func (co *Coordinator) handleRequestControl(c *Conn) {
	res, err := co.arbiter.Request(c.ID)
	if err != nil {
		co.log.Warn("control.request.fail", "conn_id", c.ID, "err", err)
		_ = c.Send(v1.ControlResponse(false))
		return
	}
	<-co.notices.flushed()
	if err := c.Send(v1.ControlResponse(res.Granted)); err != nil {
		return
	}
	if !res.Granted {
		_ = c.Send(v1.QueuePosition(res.Position))
	}
}

func (co *Coordinator) handleReleaseControl(c *Conn) {
	if _, err := co.arbiter.Release(c.ID); err != nil {
		co.log.Warn("control.release.fail", "conn_id", c.ID, "err", err)
	}
	<-co.notices.flushed()
	_ = c.Send(v1.ControlResponse(false))
}

func (co *Coordinator) handleControlStatus(c *Conn) {
	s, err := co.arbiter.Snapshot()
	if err != nil {
		co.log.Warn("control.snapshot.fail", "err", err)
		return
	}
	st := v1.ControlStatus{
		Holder:           s.Holder,
		RemainingSeconds: int(s.Remaining(co.clock.Now()).Seconds()),
		QueueLength:      len(s.Queue),
		Position:         s.Position(c.ID),
	}
	if h, ok := co.reg.Get(s.Holder); ok {
		st.HolderName = h.Name()
	}
	co.sendJSON(c, v1.PrefixControlStatus, st)
}

func (co *Coordinator) handleInput(ctx context.Context, c *Conn, cmd v1.InputEvent) {
	if co.currentHolder() != c.ID {
		co.log.Debug("input.ignored.not_holder", "conn_id", c.ID)
		return
	}
	if held, err := co.arbiter.RefreshActivity(c.ID); err != nil || !held {
		co.log.Debug("input.ignored.not_holder", "conn_id", c.ID, "err", err)
		return
	}

	ev, err := input.Parse(cmd.Raw)
	if err != nil {
		co.log.Debug("input.parse.fail", "conn_id", c.ID, "err", err)
		_ = c.Send(v1.Error(v1.ReasonMalformed))
		return
	}
	input.CheckCoordinates(co.log, ev, co.cfg.Bounds)
	if err := co.input.Execute(ctx, ev); err != nil {
		co.log.Warn("input.execute.fail", "conn_id", c.ID, "type", string(ev.Type), "err", err)
	}
}

func (co *Coordinator) handleUploadStart(c *Conn, cmd v1.FileUploadStart) {
	sid, err := co.transfers.StartUpload(c.ID, cmd.Name, cmd.Size, cmd.MimeType)
	switch {
	case errors.Is(err, transfer.ErrInvalidSize), errors.Is(err, transfer.ErrTooLarge):
		co.log.Info("transfer.upload.reject", "conn_id", c.ID, "name", cmd.Name, "size", cmd.Size, "err", err)
		_ = c.Send(v1.Msg(v1.PrefixUploadError, v1.ReasonInvalidSize))
		return
	case err != nil:
		co.log.Warn("transfer.upload.fail", "conn_id", c.ID, "name", cmd.Name, "err", err)
		_ = c.Send(v1.Msg(v1.PrefixUploadError, v1.ReasonStorage))
		return
	}
	co.log.Info("transfer.upload.start", "conn_id", c.ID, "session_id", sid, "name", cmd.Name, "size", cmd.Size)
	_ = c.Send(v1.UploadSession(sid))
}

func (co *Coordinator) handleFileChunk(ctx context.Context, c *Conn, cmd v1.FileChunk) {
	res, err := co.transfers.WriteChunk(cmd.SessionID, cmd.Index, cmd.Data)
	if err != nil {
		if errors.Is(err, transfer.ErrStorage) {
			co.log.Warn("transfer.chunk.fail", "conn_id", c.ID, "session_id", cmd.SessionID, "index", cmd.Index, "err", err)
		} else {
			co.log.Debug("transfer.chunk.reject", "conn_id", c.ID, "session_id", cmd.SessionID, "index", cmd.Index, "err", err)
		}
		_ = c.Send(v1.ChunkAck(cmd.SessionID, cmd.Index, false))
		return
	}
	_ = c.Send(v1.ChunkAck(cmd.SessionID, cmd.Index, true))

	if !res.Complete || res.File == nil {
		return
	}
	f := res.File
	co.metrics.UploadsCompleted.Inc()
	co.log.Info("transfer.upload.complete", "conn_id", c.ID, "name", f.Name, "size", f.Size, "digest", f.Digest)
	co.recordAudit(ctx, audit.ActionUploadComplete, c, map[string]any{
		"name": f.Name, "size": f.Size, "digest": f.Digest,
	})

	co.reg.Broadcast(v1.FileAvailable(f.Name))
	if rec, err := co.chat.System(c.Name() + " shared " + f.Name); err == nil {
		co.broadcastChat(rec)
	}
}

func (co *Coordinator) handleFileList(c *Conn) {
	files, err := co.transfers.ListFiles()
	if err != nil {
		co.log.Warn("transfer.list.fail", "err", err)
		_ = c.Send(v1.Error(v1.ReasonStorage))
		return
	}
	co.sendJSON(c, v1.PrefixFileList, lo.Map(files, func(f transfer.FileInfo, _ int) v1.FileEntry {
		return v1.FileEntry{
			Name:          f.Name,
			Size:          f.Size,
			Type:          f.Type,
			MimeType:      f.MimeType,
			LastModified:  f.ModifiedAt.UnixMilli(),
			FormattedSize: transfer.FormatSize(f.Size),
			FormattedDate: f.ModifiedAt.Local().Format(fileDateLayout),
		}
	}))
}

func (co *Coordinator) handleDownload(ctx context.Context, c *Conn, cmd v1.DownloadFile) {
	info, err := co.transfers.StartDownload(c.ID, cmd.Name)
	switch {
	case errors.Is(err, transfer.ErrFileNotFound):
		_ = c.Send(v1.Msg(v1.PrefixDownloadError, v1.ReasonFileNotFound))
		return
	case err != nil:
		co.log.Warn("transfer.download.fail", "conn_id", c.ID, "name", cmd.Name, "err", err)
		_ = c.Send(v1.Msg(v1.PrefixDownloadError, v1.ReasonStorage))
		return
	}

	co.log.Info("transfer.download.start", "conn_id", c.ID, "session_id", info.SessionID, "name", info.FileName)
	co.recordAudit(ctx, audit.ActionDownloadStart, c, map[string]any{"name": info.FileName, "size": info.FileSize})
	co.sendJSON(c, v1.PrefixDownloadStart, v1.DownloadStart{
		SessionID:   info.SessionID,
		FileName:    info.FileName,
		FileSize:    info.FileSize,
		TotalChunks: info.TotalChunks,
		ChunkSize:   info.ChunkSize,
		FileType:    info.Type,
		MimeType:    info.MimeType,
	})
}

func (co *Coordinator) handleRequestChunk(c *Conn, cmd v1.RequestChunk) {
	data, err := co.transfers.ReadChunk(cmd.SessionID, cmd.Index)
	if err != nil {
		reason := v1.ReasonStorage
		if errors.Is(err, transfer.ErrSessionNotFound) || errors.Is(err, transfer.ErrIndexOutOfRange) {
			reason = v1.ReasonSessionUnknown
		} else {
			co.log.Warn("transfer.read.fail", "conn_id", c.ID, "session_id", cmd.SessionID, "index", cmd.Index, "err", err)
		}
		_ = c.Send(v1.ChunkError(cmd.SessionID, cmd.Index, reason))
		return
	}
	_ = c.Send(v1.FileChunkOut(cmd.SessionID, cmd.Index, data))
}

func (co *Coordinator) handleChat(c *Conn, cmd v1.ChatMessage) {
	rec, err := co.chat.Append(c.ID, c.Name(), cmd.Text, chat.KindText)
	if errors.Is(err, chat.ErrEmptyMessage) {
		return
	}
	if err != nil {
		co.log.Warn("chat.append.fail", "conn_id", c.ID, "err", err)
		return
	}
	co.broadcastChat(rec)
}

func (co *Coordinator) broadcastChat(rec chat.Record) {
	msg, err := v1.JSONMsg(v1.PrefixChatMessage, rec.Wire())
	if err != nil {
		co.log.Error("chat.encode.fail", "err", err)
		return
	}
	co.reg.Broadcast(msg)
}

func (co *Coordinator) broadcastUserList() {
	msg, err := v1.JSONMsg(v1.PrefixUserList, co.Users())
	if err != nil {
		co.log.Error("users.encode.fail", "err", err)
		return
	}
	co.reg.Broadcast(msg)
}

func (co *Coordinator) sendJSON(c *Conn, prefix string, v any) {
	msg, err := v1.JSONMsg(prefix, v)
	if err != nil {
		co.log.Error("message.encode.fail", "prefix", prefix, "err", err)
		return
	}
	_ = c.Send(msg)
}
