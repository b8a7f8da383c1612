// Package audit implements the tamper-evident audit log.
//
// Every security-relevant action is recorded as an Entry in a single,
// gap-free sequence. Each entry's hash covers its payload, the previous
// entry's hash and its timestamp:
//
//	hash = hex(SHA256(payload || prevHash || timestamp))
//
// payload is canonical JSON (sorted keys, no HTML escaping) that always
// carries a "type" field equal to the entry's event type, prevHash is the
// lowercase hex hash of the preceding entry (64 zeros for the genesis
// entry), and timestamp is RFC 3339 with nanoseconds in UTC. Any verifier can
// recompute the chain from a JSON-lines export with nothing but SHA-256.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType tags an audit entry.
type EventType string

const (
	EventCommand          EventType = "command-execution"
	EventSessionLifecycle EventType = "session-lifecycle"
	EventAuthentication   EventType = "authentication"
	EventConfigChange     EventType = "config-change"
	EventLogAccess        EventType = "log-access"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCommand, EventSessionLifecycle, EventAuthentication, EventConfigChange, EventLogAccess:
		return true
	}
	return false
}

// GenesisHash is the prevHash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// TimeFormat is the layout of Entry.Timestamp.
const TimeFormat = time.RFC3339Nano

// Entry is one committed audit record, persisted as one JSON object per line.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	EventType EventType       `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature,omitempty"`
}

// Time parses the entry timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(TimeFormat, e.Timestamp)
}

// ComputeHash returns the chain hash for the given fields.
func ComputeHash(payload []byte, prevHash, timestamp string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(prevHash))
	h.Write([]byte(timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

// ExpectedHash recomputes e's hash from its own fields.
func (e Entry) ExpectedHash() string {
	return ComputeHash(e.Payload, e.PrevHash, e.Timestamp)
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Event is what callers hand to Writer.Append.
type Event struct {
	Type    EventType
	Payload any
}

// marshal encodes v as compact JSON without HTML escaping, so command text
// such as "a && b" is stored as typed.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalPayload renders v as sorted-key JSON with a "type" field. Struct
// payloads are re-marshalled through a generic map so key order never
// depends on Go field order.
func canonicalPayload(t EventType, v any) (json.RawMessage, error) {
	m := map[string]any{}
	if v != nil {
		raw, err := marshal(v)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal payload: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("audit: payload must be a JSON object: %w", err)
		}
	}
	if prev, ok := m["type"]; ok && prev != string(t) {
		return nil, fmt.Errorf("audit: payload type %v does not match event type %s", prev, t)
	}
	m["type"] = string(t)
	out, err := marshal(m)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return out, nil
}

// payloadType extracts the "type" field of a stored payload.
func payloadType(payload []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", errors.New("missing type")
	}
	return head.Type, nil
}

// CommandPayload records one validation decision and, if allowed, the fact
// that the command was forwarded to the shell.
type CommandPayload struct {
	SessionID     string  `json:"sessionId,omitempty"`
	ClientID      string  `json:"clientId"`
	Principal     string  `json:"principal,omitempty"`
	Command       string  `json:"command"`
	AIGenerated   bool    `json:"aiGenerated"`
	SubmittedAt   string  `json:"submittedAt"`
	Verdict       string  `json:"verdict"`
	Risk          float64 `json:"risk"`
	Rule          string  `json:"rule,omitempty"`
	Reason        string  `json:"reason"`
	Detail        string  `json:"detail,omitempty"`
	PolicyVersion string  `json:"policyVersion,omitempty"`
	RetryAfterMs  int64   `json:"retryAfterMs,omitempty"`
}

// LifecyclePayload records a session state change.
type LifecyclePayload struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Shell     string `json:"shell,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Pid       int    `json:"pid,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AuthPayload records a connection authentication attempt.
type AuthPayload struct {
	ClientID   string `json:"clientId"`
	Principal  string `json:"principal,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
}

// ConfigPayload records a policy or configuration change.
type ConfigPayload struct {
	Action        string `json:"action"`
	PolicyVersion string `json:"policyVersion,omitempty"`
	Previous      string `json:"previous,omitempty"`
	Source        string `json:"source,omitempty"`
}

// AccessPayload records a read of the audit log itself.
type AccessPayload struct {
	Action     string  `json:"action"`
	RemoteAddr string  `json:"remoteAddr,omitempty"`
	Principal  string  `json:"principal,omitempty"`
	Seq        *uint64 `json:"seq,omitempty"`
	Result     string  `json:"result,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// Results recorded in AccessPayload.
const (
	AccessOK                 = "ok"
	AccessDenied             = "denied"
	AccessNotFound           = "not-found"
	AccessIntegrityViolation = "integrity-violation"
)
