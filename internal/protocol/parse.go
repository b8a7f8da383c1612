package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
)

// Wire forms. Pointers mark required fields so that a missing field is
// distinguishable from a zero value.
type (
	createWire struct {
		Type  string `json:"type"`
		Shell string `json:"shell"`
		Cwd   string `json:"cwd"`
		Cols  uint16 `json:"cols"`
		Rows  uint16 `json:"rows"`
	}
	writeWire struct {
		Type        string  `json:"type"`
		SessionID   *string `json:"sessionId"`
		Data        *string `json:"data"`
		AIGenerated bool    `json:"aiGenerated"`
	}
	resizeWire struct {
		Type      string  `json:"type"`
		SessionID *string `json:"sessionId"`
		Cols      *uint16 `json:"cols"`
		Rows      *uint16 `json:"rows"`
	}
	sessionWire struct {
		Type      string  `json:"type"`
		SessionID *string `json:"sessionId"`
	}
	listWire struct {
		Type string `json:"type"`
	}
)

// Parse decodes one client frame into a Command. Anything that is not
// exactly one well-formed message of a known type is rejected: unknown
// fields, missing required fields, trailing data and invalid values all
// fail with ErrMalformedMessage, and an unrecognized type with
// ErrUnknownMessage.
func Parse(data []byte) (Command, error) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var cmd Command
	switch *env.Type {
	case TypeSessionCreate:
		var w createWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		cmd = CreateSession{Shell: w.Shell, Cwd: w.Cwd, Cols: w.Cols, Rows: w.Rows}
	case TypeSessionWrite:
		var w writeWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		if w.SessionID == nil || w.Data == nil {
			return nil, fmt.Errorf("%w: session.write requires sessionId and data", ErrMalformedMessage)
		}
		cmd = Write{SessionID: *w.SessionID, Data: *w.Data, AIGenerated: w.AIGenerated}
	case TypeSessionResize:
		var w resizeWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		if w.SessionID == nil || w.Cols == nil || w.Rows == nil {
			return nil, fmt.Errorf("%w: session.resize requires sessionId, cols and rows", ErrMalformedMessage)
		}
		cmd = Resize{SessionID: *w.SessionID, Cols: *w.Cols, Rows: *w.Rows}
	case TypeSessionKill, TypeSessionAttach:
		var w sessionWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		if w.SessionID == nil {
			return nil, fmt.Errorf("%w: %s requires sessionId", ErrMalformedMessage, *env.Type)
		}
		if *env.Type == TypeSessionKill {
			cmd = Kill{SessionID: *w.SessionID}
		} else {
			cmd = Attach{SessionID: *w.SessionID}
		}
	case TypeSessionList:
		var w listWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		cmd = List{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, *env.Type)
	}

	if err := Validate(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return cmd, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}
	return nil
}
