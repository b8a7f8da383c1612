package session

import (
	"errors"
	"strings"
	"unicode"
)

// ErrLineTooLong is returned when typed input grows past maxPendingLine
// without a line terminator. The pending input is discarded.
var ErrLineTooLong = errors.New("input line too long")

// RulePendingLine names the verdict for input held back until its line is
// complete. Nothing reaches the shell and nothing is audited for it.
const RulePendingLine = "pending-line"

const maxPendingLine = 64 << 10

// Readline controls sent ahead of a validated line when the shell's own line
// editor may hold text the session never saw: move to the end, then erase
// back to the start.
const discardShellLine = "\x05\x15"

// lineBuffer is the session's view of the line being typed. Printable text
// is kept until a terminator arrives so the whole line is validated before
// any of it reaches the shell, and the shell is then sent exactly the text
// that was validated.
type lineBuffer struct {
	buf []rune
	// dirty is set once raw control input (arrow keys, history search, tab)
	// has been passed to the shell with no line pending.
	dirty bool
}

// fed is the result of applying one write to the buffer.
type fed struct {
	lines     []string
	interrupt bool
	overflow  bool
}

func (l *lineBuffer) empty() bool { return len(l.buf) == 0 }

func (l *lineBuffer) reset() { l.buf = l.buf[:0] }

// feed applies data as keystrokes. Line editing keys act on the buffer,
// escape sequences and other control bytes are dropped, and tab is taken as
// a space so shell completion cannot change the line after validation.
func (l *lineBuffer) feed(data string) fed {
	var f fed
	rs := []rune(data)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\r' || r == '\n':
			if r == '\n' && i > 0 && rs[i-1] == '\r' {
				continue
			}
			f.lines = append(f.lines, string(l.buf))
			l.reset()
		case r == 0x03:
			f.interrupt = true
			l.reset()
		case r == 0x7f || r == 0x08:
			if len(l.buf) > 0 {
				l.buf = l.buf[:len(l.buf)-1]
			}
		case r == 0x15:
			l.reset()
		case r == 0x17:
			n := len(l.buf)
			for n > 0 && l.buf[n-1] == ' ' {
				n--
			}
			for n > 0 && l.buf[n-1] != ' ' {
				n--
			}
			l.buf = l.buf[:n]
		case r == 0x1b:
			i = skipEscape(rs, i)
		case r == '\t':
			l.buf = append(l.buf, ' ')
		case unicode.IsControl(r):
		default:
			l.buf = append(l.buf, r)
		}
		if len(l.buf) > maxPendingLine {
			l.reset()
			f.overflow = true
			return f
		}
	}
	return f
}

// skipEscape returns the index of the last rune of the escape sequence that
// starts at i.
func skipEscape(rs []rune, i int) int {
	if i+1 >= len(rs) {
		return i
	}
	switch rs[i+1] {
	case '[':
		for j := i + 2; j < len(rs); j++ {
			if rs[j] >= 0x40 && rs[j] <= 0x7e {
				return j
			}
		}
		return len(rs) - 1
	case 'O':
		return min(i+2, len(rs)-1)
	default:
		return i + 1
	}
}

// printable reports whether data carries any text besides control bytes and
// escape sequences.
func printable(data string) bool {
	rs := []rune(data)
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; {
		case r == 0x1b:
			i = skipEscape(rs, i)
		case !unicode.IsControl(r) && r != ' ':
			return true
		}
	}
	return false
}

// settles reports whether raw control input leaves the shell with an empty
// line: it ends in a terminator or an interrupt.
func settles(data string) bool {
	data = strings.TrimRight(data, " ")
	return strings.HasSuffix(data, "\r") || strings.HasSuffix(data, "\n") || strings.HasSuffix(data, "\x03")
}
