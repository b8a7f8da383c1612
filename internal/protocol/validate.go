package protocol

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// shellPathRe matches plain absolute executable paths.
var shellPathRe = regexp.MustCompile(`^/[A-Za-z0-9._/+-]*$`)

const (
	maxPathLen  = 4096
	maxTermSize = 1000
)

// Validate checks that every field of cmd holds a safe, expected value.
// Whether a shell is actually permitted is decided by the session registry.
func Validate(cmd Command) error {
	switch c := cmd.(type) {
	case CreateSession:
		if c.Shell != "" {
			if err := validatePath("shell", c.Shell); err != nil {
				return err
			}
			if !shellPathRe.MatchString(c.Shell) {
				return fmt.Errorf("invalid shell: %q", c.Shell)
			}
		}
		if c.Cwd != "" {
			if err := validatePath("cwd", c.Cwd); err != nil {
				return err
			}
		}
		if c.Cols > maxTermSize || c.Rows > maxTermSize {
			return fmt.Errorf("terminal size %dx%d out of range", c.Cols, c.Rows)
		}
	case Write:
		if err := validateSessionID(c.SessionID); err != nil {
			return err
		}
		if c.Data == "" {
			return fmt.Errorf("empty data")
		}
	case Resize:
		if err := validateSessionID(c.SessionID); err != nil {
			return err
		}
		if c.Cols == 0 || c.Rows == 0 || c.Cols > maxTermSize || c.Rows > maxTermSize {
			return fmt.Errorf("terminal size %dx%d out of range", c.Cols, c.Rows)
		}
	case Kill:
		return validateSessionID(c.SessionID)
	case Attach:
		return validateSessionID(c.SessionID)
	case List:
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func validateSessionID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("invalid session id: %q", id)
	}
	return nil
}

func validatePath(field, p string) error {
	if len(p) > maxPathLen {
		return fmt.Errorf("%s too long (%d chars, max %d)", field, len(p), maxPathLen)
	}
	if !filepath.IsAbs(p) || filepath.Clean(p) != p {
		return fmt.Errorf("invalid %s: %q", field, p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("invalid %s: control character", field)
		}
	}
	return nil
}
