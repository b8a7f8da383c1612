// Package protocol defines the bridge protocol: JSON text frames exchanged
// over a websocket between a client and the daemon.
package protocol

// Client message types.
const (
	TypeSessionCreate = "session.create"
	TypeSessionWrite  = "session.write"
	TypeSessionResize = "session.resize"
	TypeSessionKill   = "session.kill"
	TypeSessionList   = "session.list"
	TypeSessionAttach = "session.attach"
)

// Server message types. session.list is answered with a frame of the same type.
const (
	TypeSessionCreated   = "session.created"
	TypeSessionOutput    = "session.output"
	TypeSessionStatus    = "session.status"
	TypeSessionClosed    = "session.closed"
	TypeSessionTruncated = "session.truncated"
	TypeError            = "error"
)

// Error codes carried by error frames.
const (
	CodeValidationBlocked = "validation-blocked"
	CodeRateLimited       = "rate-limited"
	CodeSpawnFailed       = "spawn-failed"
	CodeSessionNotFound   = "session-not-found"
	CodeSessionNotRunning = "session-not-running"
	CodeTooManySessions   = "too-many-sessions"
	CodeAuditWriteFailed  = "audit-write-failed"
	CodeUnknownMessage    = "unknown-message"
	CodeMalformedMessage  = "malformed-message"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// Command is a parsed client message. The set of implementations is closed:
// CreateSession, Write, Resize, Kill, List and Attach.
type Command interface {
	MessageType() string
}

// CreateSession asks for a new shell.
type CreateSession struct {
	Shell string
	Cwd   string
	Cols  uint16
	Rows  uint16
}

// Write sends input to a session.
type Write struct {
	SessionID   string
	Data        string
	AIGenerated bool
}

// Resize changes a session's window size.
type Resize struct {
	SessionID string
	Cols      uint16
	Rows      uint16
}

// Kill terminates a session.
type Kill struct {
	SessionID string
}

// List asks for the client's sessions.
type List struct{}

// Attach follows a session created on an earlier connection.
type Attach struct {
	SessionID string
}

func (CreateSession) MessageType() string { return TypeSessionCreate }
func (Write) MessageType() string         { return TypeSessionWrite }
func (Resize) MessageType() string        { return TypeSessionResize }
func (Kill) MessageType() string          { return TypeSessionKill }
func (List) MessageType() string          { return TypeSessionList }
func (Attach) MessageType() string        { return TypeSessionAttach }

// SessionCreatedMessage confirms a new session.
type SessionCreatedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// SessionOutputMessage carries shell output, in order.
type SessionOutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// SessionStatusMessage reports a state change.
type SessionStatusMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// SessionClosedMessage is the last frame for a session.
type SessionClosedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Reason    string `json:"reason,omitempty"`
}

// SessionTruncatedMessage marks output the client will never see because
// it fell behind.
type SessionTruncatedMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	DroppedBytes int64  `json:"droppedBytes"`
}

// SessionInfo describes one session in a list.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell"`
	Cwd       string `json:"cwd"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// SessionListMessage answers session.list.
type SessionListMessage struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// ErrorMessage reports a failed or refused request.
type ErrorMessage struct {
	Type         string   `json:"type"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	SessionID    string   `json:"sessionId,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
	Risk         *float64 `json:"risk,omitempty"`
	Rule         string   `json:"rule,omitempty"`
}
