package policy

import "strings"

// TokenKind distinguishes shell words from control operators.
type TokenKind int

const (
	TokWord TokenKind = iota
	TokOperator
)

// Token is one lexical unit of a shell command line.
type Token struct {
	Kind TokenKind
	Text string
}

// Operator token texts emitted by Tokenize. Newlines are reported as ";" and
// the closing backtick of a command substitution as ")".
const (
	OpSeq        = ";"
	OpAnd        = "&&"
	OpOr         = "||"
	OpPipe       = "|"
	OpBackground = "&"
	OpSubst      = "$("
	OpBacktick   = "`"
	OpOpen       = "("
	OpClose      = ")"
	OpRedirOut   = ">"
	OpAppend     = ">>"
	OpRedirIn    = "<"
	OpHeredoc    = "<<"
)

type lexContext struct {
	kind  int
	depth int
}

const (
	ctxTop = iota
	ctxDouble
	ctxParenSubst
	ctxTickSubst
)

// Tokenize splits a command line into words and operators the way a POSIX
// shell would for the purpose of policy evaluation: quotes and escapes are
// removed from words, command substitutions are tracked inside double quotes,
// and comments are dropped. complete is false when a quote or substitution is
// left open; the tokens scanned so far are still returned.
func Tokenize(s string) (tokens []Token, complete bool) {
	var (
		word    strings.Builder
		hasWord bool
		stack   = []lexContext{{kind: ctxTop}}
		runes   = []rune(s)
		open    bool // unterminated single quote
	)

	flush := func() {
		if hasWord {
			tokens = append(tokens, Token{Kind: TokWord, Text: word.String()})
			word.Reset()
			hasWord = false
		}
	}
	emit := func(op string) {
		flush()
		tokens = append(tokens, Token{Kind: TokOperator, Text: op})
	}
	push := func(kind int) { stack = append(stack, lexContext{kind: kind}) }
	pop := func() {
		if len(stack) > 1 {
			stack = stack[:len(stack)-1]
		}
	}
	peek := func(i int) rune {
		if i < len(runes) {
			return runes[i]
		}
		return 0
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur := &stack[len(stack)-1]

		if cur.kind == ctxDouble {
			switch {
			case r == '"':
				pop()
				hasWord = true
			case r == '\\':
				if next := peek(i + 1); strings.ContainsRune("$`\"\\\n", next) && next != 0 {
					if next != '\n' {
						word.WriteRune(next)
					}
					i++
				} else {
					word.WriteRune(r)
				}
				hasWord = true
			case r == '`':
				emit(OpBacktick)
				push(ctxTickSubst)
			case r == '$' && peek(i+1) == '(':
				if end := arithmeticEnd(runes, i); end > 0 {
					word.WriteString(string(runes[i : end+1]))
					hasWord = true
					i = end
					continue
				}
				emit(OpSubst)
				push(ctxParenSubst)
				i++
			default:
				word.WriteRune(r)
				hasWord = true
			}
			continue
		}

		switch r {
		case ' ', '\t', '\r':
			flush()
		case '\n', ';':
			emit(OpSeq)
		case '#':
			if hasWord {
				word.WriteRune(r)
				continue
			}
			for i+1 < len(runes) && runes[i+1] != '\n' {
				i++
			}
		case '\'':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '\'' {
					end = j
					break
				}
			}
			if end < 0 {
				word.WriteString(string(runes[i+1:]))
				hasWord = true
				open = true
				i = len(runes)
				continue
			}
			word.WriteString(string(runes[i+1 : end]))
			hasWord = true
			i = end
		case '"':
			push(ctxDouble)
			hasWord = true
		case '\\':
			if i+1 < len(runes) {
				if runes[i+1] != '\n' {
					word.WriteRune(runes[i+1])
					hasWord = true
				}
				i++
			}
		case '`':
			if cur.kind == ctxTickSubst {
				emit(OpClose)
				pop()
			} else {
				emit(OpBacktick)
				push(ctxTickSubst)
			}
		case '$':
			if end := arithmeticEnd(runes, i); end > 0 {
				word.WriteString(string(runes[i : end+1]))
				hasWord = true
				i = end
				continue
			}
			if peek(i+1) == '(' {
				emit(OpSubst)
				push(ctxParenSubst)
				i++
				continue
			}
			word.WriteRune(r)
			hasWord = true
		case '(':
			emit(OpOpen)
			if cur.kind == ctxParenSubst {
				cur.depth++
			}
		case ')':
			emit(OpClose)
			if cur.kind == ctxParenSubst {
				if cur.depth == 0 {
					pop()
				} else {
					cur.depth--
				}
			}
		case '&':
			if peek(i+1) == '&' {
				emit(OpAnd)
				i++
			} else {
				emit(OpBackground)
			}
		case '|':
			if peek(i+1) == '|' {
				emit(OpOr)
				i++
			} else {
				emit(OpPipe)
			}
		case '>':
			if peek(i+1) == '>' {
				emit(OpAppend)
				i++
			} else {
				emit(OpRedirOut)
			}
		case '<':
			if peek(i+1) == '<' {
				emit(OpHeredoc)
				i++
			} else {
				emit(OpRedirIn)
			}
		default:
			word.WriteRune(r)
			hasWord = true
		}
	}
	flush()

	return tokens, !open && len(stack) == 1
}

// arithmeticEnd returns the index of the closing parenthesis of an
// arithmetic expansion $((...)) starting at i, or -1. An expansion whose body
// holds a command substitution is not treated as arithmetic.
func arithmeticEnd(runes []rune, i int) int {
	if i+2 >= len(runes) || runes[i] != '$' || runes[i+1] != '(' || runes[i+2] != '(' {
		return -1
	}
	depth := 0
	for j := i + 3; j < len(runes); j++ {
		switch runes[j] {
		case '`':
			return -1
		case '$':
			if j+1 < len(runes) && runes[j+1] == '(' {
				return -1
			}
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
				continue
			}
			if j+1 < len(runes) && runes[j+1] == ')' {
				return j + 1
			}
			return -1
		}
	}
	return -1
}

// Canonical renders tokens as a single-spaced line with quoting removed.
// Dangerous-pattern rules are matched against this form so that quoting
// tricks such as r''m or "rm" do not hide a command name.
func Canonical(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}

// isSegmentBoundary reports whether op starts a new simple command.
func isSegmentBoundary(op string) bool {
	switch op {
	case OpSeq, OpAnd, OpOr, OpPipe, OpBackground, OpSubst, OpBacktick, OpOpen, OpClose:
		return true
	}
	return false
}

func isRedirect(op string) bool {
	switch op {
	case OpRedirOut, OpAppend, OpRedirIn, OpHeredoc:
		return true
	}
	return false
}

// Programs returns the program name of every simple command in tokens,
// skipping variable assignments, redirection targets and the given wrapper
// commands (nohup, env, timeout...). Paths are reduced to their base name.
func Programs(tokens []Token, wrappers map[string]bool) []string {
	var programs []string
	for _, cmd := range simpleCommands(tokens, wrappers) {
		programs = append(programs, cmd[0])
	}
	return programs
}

// simpleCommands splits tokens into simple commands. Each command starts at
// its program name (base name only) and carries its arguments, without
// redirection targets.
func simpleCommands(tokens []Token, wrappers map[string]bool) [][]string {
	var (
		cmds      [][]string
		cur       []string
		afterWrap bool
		skipNext  bool
	)
	end := func() {
		if len(cur) > 0 {
			cmds = append(cmds, cur)
		}
		cur, afterWrap, skipNext = nil, false, false
	}
	for _, t := range tokens {
		if t.Kind == TokOperator {
			if isSegmentBoundary(t.Text) {
				end()
			} else if isRedirect(t.Text) {
				skipNext = true
			}
			continue
		}
		if skipNext {
			skipNext = false
			continue
		}
		w := t.Text
		if len(cur) > 0 {
			cur = append(cur, w)
			continue
		}
		if w == "" || isAssignment(w) {
			continue
		}
		if afterWrap && (strings.HasPrefix(w, "-") || isNumeric(w)) {
			continue
		}
		name := baseName(w)
		if wrappers[name] {
			afterWrap = true
			continue
		}
		cur = []string{name}
	}
	end()
	return cmds
}

var shells = map[string]bool{
	"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true,
	"mksh": true, "ash": true, "fish": true,
}

// NestedLines returns the command lines that tokens pass to another round of
// shell parsing: the -c argument of a shell and the arguments of eval.
func NestedLines(tokens []Token, wrappers map[string]bool) []string {
	var lines []string
	for _, cmd := range simpleCommands(tokens, wrappers) {
		var line string
		switch {
		case cmd[0] == "eval":
			line = strings.Join(cmd[1:], " ")
		case shells[cmd[0]]:
			line = shellCommandArg(cmd[1:])
		}
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// shellCommandArg returns the command string of "sh [options] -c string".
func shellCommandArg(args []string) string {
	sawC := false
	for i := 0; i < len(args); i++ {
		w := args[i]
		switch {
		case w == "--":
		case w == "-o" || w == "+o" || w == "-O" || w == "+O" || w == "--rcfile" || w == "--init-file":
			i++
		case strings.HasPrefix(w, "--"):
		case len(w) > 1 && (w[0] == '-' || w[0] == '+'):
			if strings.ContainsRune(w[1:], 'c') {
				sawC = true
			}
		case sawC:
			return w
		default:
			return ""
		}
	}
	return ""
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for i, c := range w[:eq] {
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

func isNumeric(w string) bool {
	if w == "" {
		return false
	}
	for _, c := range w {
		if (c < '0' || c > '9') && c != '.' && c != 's' && c != 'm' && c != 'h' {
			return false
		}
	}
	return w[0] >= '0' && w[0] <= '9'
}

func baseName(w string) string {
	if i := strings.LastIndexByte(w, '/'); i >= 0 && i < len(w)-1 {
		return w[i+1:]
	}
	return w
}
