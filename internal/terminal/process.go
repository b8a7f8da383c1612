// Package terminal runs shells on pseudo-terminals and buffers their output.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Spec describes the shell to start.
type Spec struct {
	Shell string
	Args  []string
	Cwd   string
	Cols  uint16
	Rows  uint16
	// Env is appended to the scrubbed parent environment.
	Env []string
}

// Process is a shell attached to a PTY. Its methods are safe to call from
// the owning goroutine while a separate goroutine reads output.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// Start spawns spec.Shell on a new PTY. The child runs in its own session
// so that signals can be sent to its whole process group.
func Start(spec Spec) (*Process, error) {
	if spec.Shell == "" {
		return nil, errors.New("terminal: no shell given")
	}
	if spec.Cols == 0 {
		spec.Cols = 80
	}
	if spec.Rows == 0 {
		spec.Rows = 24
	}

	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(FilterEnv(os.Environ()), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, fmt.Errorf("terminal: start %s: %w", spec.Shell, err)
	}

	p := &Process{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode = exitCode(p.cmd.ProcessState, err)
	p.waitErr = err
	close(p.done)
}

// exitCode maps a wait result to a shell-style exit code: 128+N when the
// process was killed by signal N.
func exitCode(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// Pid returns the shell's process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Read reads output from the PTY.
func (p *Process) Read(b []byte) (int, error) { return p.ptmx.Read(b) }

// Write sends input to the shell.
func (p *Process) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// Resize changes the terminal window size.
func (p *Process) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("terminal: invalid size %dx%d", cols, rows)
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal sends sig to the shell's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminal: signal %v: %w", sig, err)
	}
	return nil
}

// Done is closed once the shell has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit code. It is only meaningful after Done.
func (p *Process) ExitCode() int { return p.exitCode }

// Close closes the PTY master. Pending reads return an error.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ptmx.Close() })
	return err
}

var secretMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "API_KEY", "PRIVATE_KEY", "CREDENTIAL"}

// FilterEnv drops variables that look like credentials, the daemon's own
// configuration, and any inherited TERM.
func FilterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(name)
		if upper == "TERM" || strings.HasPrefix(upper, "SHELLGUARD_") {
			continue
		}
		secret := false
		for _, m := range secretMarkers {
			if strings.Contains(upper, m) {
				secret = true
				break
			}
		}
		if !secret {
			out = append(out, kv)
		}
	}
	return out
}
