package bridge

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/guard"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
	"github.com/tinkerbelle-io/tb-shellguard/internal/protocol"
	"github.com/tinkerbelle-io/tb-shellguard/internal/session"
)

// dispatch handles client messages one at a time, in arrival order.
func (c *conn) dispatch(inbound <-chan []byte) {
	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				return
			}
			c.handle(data)
		case id := <-c.ended:
			if stop, ok := c.subs[id]; ok {
				stop()
				delete(c.subs, id)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) handle(data []byte) {
	cmd, err := protocol.Parse(data)
	if err != nil {
		c.logger.Debug("rejected message", "error", err)
		c.send(errorMessage(err, ""))
		return
	}

	switch m := cmd.(type) {
	case protocol.CreateSession:
		c.create(m)
	case protocol.Write:
		c.write(m)
	case protocol.Resize:
		if err := c.srv.reg.Resize(c.ctx, m.SessionID, c.clientID, m.Cols, m.Rows); err != nil {
			c.send(errorMessage(err, m.SessionID))
		}
	case protocol.Kill:
		if err := c.srv.reg.Kill(c.ctx, m.SessionID, c.clientID, session.ReasonKilled); err != nil {
			c.send(errorMessage(err, m.SessionID))
		}
	case protocol.List:
		c.list()
	case protocol.Attach:
		c.attach(m)
	}
}

func (c *conn) create(m protocol.CreateSession) {
	sum, err := c.srv.reg.Create(c.ctx, session.CreateRequest{
		ClientID:  c.clientID,
		Principal: c.principal,
		Shell:     m.Shell,
		Cwd:       m.Cwd,
		Cols:      m.Cols,
		Rows:      m.Rows,
	})
	if err != nil {
		c.send(errorMessage(err, ""))
		return
	}
	c.send(protocol.SessionCreatedMessage{
		Type:      protocol.TypeSessionCreated,
		SessionID: sum.ID,
		Shell:     sum.Shell,
		Cwd:       sum.Cwd,
	})
	sub, err := c.srv.reg.Subscribe(sum.ID, c.clientID)
	if err != nil {
		c.send(errorMessage(err, sum.ID))
		return
	}
	c.follow(sub)
}

func (c *conn) write(m protocol.Write) {
	d, err := c.srv.reg.Write(c.ctx, session.WriteRequest{
		SessionID:   m.SessionID,
		ClientID:    c.clientID,
		Principal:   c.principal,
		Data:        m.Data,
		AIGenerated: c.ai || m.AIGenerated,
	})
	if err == nil {
		err = d.Err()
	}
	if err != nil {
		c.send(errorMessage(err, m.SessionID))
	}
}

func (c *conn) list() {
	sums := c.srv.reg.List(c.clientID)
	infos := make([]protocol.SessionInfo, 0, len(sums))
	for _, s := range sums {
		infos = append(infos, protocol.SessionInfo{
			SessionID: s.ID,
			Shell:     s.Shell,
			Cwd:       s.Cwd,
			State:     string(s.State),
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
			Cols:      s.Cols,
			Rows:      s.Rows,
		})
	}
	c.send(protocol.SessionListMessage{Type: protocol.TypeSessionList, Sessions: infos})
}

// attach follows a session from the start of its retained output. Attaching
// twice on one connection is a no-op.
func (c *conn) attach(m protocol.Attach) {
	if _, ok := c.subs[m.SessionID]; ok {
		return
	}
	sub, err := c.srv.reg.Subscribe(m.SessionID, c.clientID)
	if err != nil {
		c.send(errorMessage(err, m.SessionID))
		return
	}
	c.send(protocol.SessionStatusMessage{
		Type:      protocol.TypeSessionStatus,
		SessionID: sub.SessionID,
		State:     string(sub.State()),
	})
	c.follow(sub)
}

func (c *conn) follow(sub *session.Subscription) {
	ctx, stop := context.WithCancel(c.ctx)
	c.subs[sub.SessionID] = stop
	go c.forwardStatus(ctx, sub)
	go c.pump(ctx, sub)
}

func (c *conn) sendCtx(ctx context.Context, msg any) bool {
	select {
	case c.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *conn) forwardStatus(ctx context.Context, sub *session.Subscription) {
	for st := range sub.Status() {
		c.sendCtx(ctx, protocol.SessionStatusMessage{
			Type:      protocol.TypeSessionStatus,
			SessionID: sub.SessionID,
			State:     string(st),
		})
	}
}

// pump copies one session's output to the client. The closed frame follows
// the last byte of output.
func (c *conn) pump(ctx context.Context, sub *session.Subscription) {
	defer sub.Close()
	var pending []byte
	for {
		chunk, err := sub.Next(ctx)
		if chunk.Dropped > 0 {
			c.srv.opts.Observer.OutputDropped(chunk.Dropped)
			pending = nil
			if !c.sendCtx(ctx, protocol.SessionTruncatedMessage{
				Type:         protocol.TypeSessionTruncated,
				SessionID:    sub.SessionID,
				DroppedBytes: chunk.Dropped,
			}) {
				return
			}
		}
		if len(chunk.Data) > 0 {
			var text string
			text, pending = splitUTF8(append(pending, chunk.Data...))
			if text != "" && !c.sendOutput(ctx, sub.SessionID, text) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return
			}
			break
		}
	}
	if len(pending) > 0 && !c.sendOutput(ctx, sub.SessionID, strings.ToValidUTF8(string(pending), "�")) {
		return
	}

	select {
	case <-sub.Done():
	case <-ctx.Done():
		return
	}
	exit := sub.Exit()
	c.sendCtx(ctx, protocol.SessionClosedMessage{
		Type:      protocol.TypeSessionClosed,
		SessionID: sub.SessionID,
		ExitCode:  exit.Code,
		Reason:    exit.Reason,
	})
	select {
	case c.ended <- sub.SessionID:
	case <-c.ctx.Done():
	}
}

func (c *conn) sendOutput(ctx context.Context, id, text string) bool {
	return c.sendCtx(ctx, protocol.SessionOutputMessage{
		Type:      protocol.TypeSessionOutput,
		SessionID: id,
		Data:      text,
	})
}

// splitUTF8 returns b as text, holding back a trailing incomplete rune so a
// character split across reads is not mangled. Other invalid bytes become
// U+FFFD.
func splitUTF8(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	rest := append([]byte(nil), b[cut:]...)
	return strings.ToValidUTF8(string(b[:cut]), "�"), rest
}

// errorMessage maps an error onto an error frame. Internal failures are not
// described to the client.
func errorMessage(err error, sessionID string) protocol.ErrorMessage {
	m := protocol.ErrorMessage{Type: protocol.TypeError, SessionID: sessionID, Message: err.Error()}

	var blocked *guard.BlockedError
	switch {
	case errors.As(err, &blocked):
		m.Code = protocol.CodeValidationBlocked
		if errors.Is(err, guard.ErrRateLimited) {
			m.Code = protocol.CodeRateLimited
			m.RetryAfterMs = max(blocked.RetryAfter.Milliseconds(), 1)
		} else {
			risk := blocked.Verdict.Risk
			m.Risk = &risk
			m.Rule = blocked.Verdict.Rule
		}
	case errors.Is(err, guard.ErrAuditWriteFailed), errors.Is(err, audit.ErrWriteFailed):
		m.Code = protocol.CodeAuditWriteFailed
		m.Message = "audit log unavailable; request refused"
	case errors.Is(err, protocol.ErrUnknownMessage):
		m.Code = protocol.CodeUnknownMessage
	case errors.Is(err, protocol.ErrMalformedMessage), errors.Is(err, policy.ErrEmptyCommand), errors.Is(err, session.ErrLineTooLong):
		m.Code = protocol.CodeMalformedMessage
	case errors.Is(err, session.ErrSessionNotFound):
		m.Code = protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrSessionNotRunning):
		m.Code = protocol.CodeSessionNotRunning
	case errors.Is(err, session.ErrTooManySessions):
		m.Code = protocol.CodeTooManySessions
	case errors.Is(err, session.ErrSpawnFailed):
		m.Code = protocol.CodeSpawnFailed
	default:
		m.Code = protocol.CodeInternal
		m.Message = "internal error"
	}
	return m
}
