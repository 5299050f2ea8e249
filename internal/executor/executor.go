// Package executor bridges sessions to the external AI executor
// subprocess. Credentials travel in the environment, never on the
// command line.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cursorbot/cursorbot/internal/errs"
	"github.com/cursorbot/cursorbot/internal/sessions"
)

// Delta is one streamed piece of executor output. A terminal delta has
// Final set; a failed run emits exactly one delta with Err set, then
// terminates.
type Delta struct {
	Text  string
	Final bool
	Err   error
}

// RunOptions tune one executor run.
type RunOptions struct {
	Model          string // override the default model
	Verbosity      int
	ThinkingBudget int    // heuristic tunable, passed through when > 0
	ReadOnly       bool
	WorkDir        string // per-session working directory
}

// HandleStore is the slice of the session registry the bridge needs.
type HandleStore interface {
	SetExecutorChat(key, handle string)
}

// Config is the static executor setup.
type Config struct {
	Binary  string
	Model   string
	WorkDir string
	Timeout time.Duration
	APIKey  string
	Extra   []string
}

// Bridge runs the executor for sessions.
type Bridge struct {
	cfg   Config
	store HandleStore
}

// New builds a bridge.
func New(cfg Config, store HandleStore) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Bridge{cfg: cfg, store: store}
}

// CreateChat asks the executor for a fresh chat handle and stores it
// on the session. Used on the first turn of a session.
func (b *Bridge) CreateChat(ctx context.Context, sess *sessions.Session) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.cfg.Binary, "create-chat")
	cmd.Env = b.env()
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", b.classify(ctx, err, stderr.String())
	}
	handle := strings.TrimSpace(out.String())
	if handle == "" {
		return "", errs.ExecutorFailure("create-chat returned no handle", nil)
	}
	if b.store != nil {
		b.store.SetExecutorChat(sess.SessionKey, handle)
	}
	return handle, nil
}

// Run executes one turn, streaming stdout as text deltas. The returned
// channel is closed after the final (or error) delta. Cancelling ctx
// stops the read loop and kills the subprocess.
func (b *Bridge) Run(ctx context.Context, sess *sessions.Session, prompt string, opts RunOptions) <-chan Delta {
	out := make(chan Delta, 16)
	go b.run(ctx, sess, prompt, opts, out)
	return out
}

func (b *Bridge) run(ctx context.Context, sess *sessions.Session, prompt string, opts RunOptions, out chan<- Delta) {
	defer close(out)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	args := []string{"--print", "--output-format", "text"}
	if sess.CLIChatID != "" {
		args = append(args, "--resume", sess.CLIChatID)
	}
	model := opts.Model
	if model == "" {
		model = b.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.ReadOnly {
		args = append(args, "--permission-mode", "read-only")
	}
	if opts.ThinkingBudget > 0 {
		args = append(args, "--thinking-budget", fmt.Sprint(opts.ThinkingBudget))
	}
	args = append(args, b.cfg.Extra...)
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, b.cfg.Binary, args...)
	cmd.Env = b.env()
	cmd.Dir = b.workDir(sess, opts)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out <- Delta{Err: errs.ExecutorFailure("stdout pipe", err)}
		return
	}
	if err := cmd.Start(); err != nil {
		out <- Delta{Err: errs.ExecutorFailure("start", err)}
		return
	}

	reader := bufio.NewReader(stdout)
	buf := make([]byte, 4096)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			select {
			case out <- Delta{Text: string(buf[:n])}:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				out <- Delta{Err: b.classify(ctx, ctx.Err(), stderr.String())}
				return
			}
		}
		if rerr != nil {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		out <- Delta{Err: b.classify(ctx, err, stderr.String())}
		return
	}
	out <- Delta{Final: true}
}

// Reset clears the executor-side chat handle so the next turn starts a
// fresh context.
func (b *Bridge) Reset(sess *sessions.Session) {
	if b.store != nil {
		b.store.SetExecutorChat(sess.SessionKey, "")
	}
}

func (b *Bridge) workDir(sess *sessions.Session, opts RunOptions) string {
	if opts.WorkDir != "" {
		return opts.WorkDir
	}
	if b.cfg.WorkDir == "" {
		return ""
	}
	if sess != nil && sess.SessionID != "" {
		dir := filepath.Join(b.cfg.WorkDir, sess.SessionID)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return dir
		}
	}
	return b.cfg.WorkDir
}

// env builds the subprocess environment: the parent env plus the API
// key when configured.
func (b *Bridge) env() []string {
	env := os.Environ()
	if b.cfg.APIKey != "" {
		env = append(env, "CURSOR_API_KEY="+b.cfg.APIKey)
	}
	return env
}

// classify maps subprocess failure to the error taxonomy using context
// state, exit code and stderr.
func (b *Bridge) classify(ctx context.Context, err error, stderr string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Timeout("executor")
	}
	low := strings.ToLower(stderr)
	switch {
	case strings.Contains(low, "unauthorized"), strings.Contains(low, "invalid api key"), strings.Contains(low, "authentication"):
		return errs.Unauthorized("executor credentials")
	case strings.Contains(low, "unavailable"), strings.Contains(low, "connection refused"), strings.Contains(low, "rate limit"):
		return errs.Unavailable("executor backend")
	}
	if ee, ok := err.(*exec.ExitError); ok {
		switch ee.ExitCode() {
		case 2:
			return errs.Unauthorized("executor rejected credentials")
		case 3:
			return errs.Unavailable("executor backend")
		}
		slog.Debug("executor: exit", "code", ee.ExitCode(), "stderr", errs.Redact(stderr))
	}
	return errs.ExecutorFailure(firstLine(stderr), err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		s = s[:i]
	}
	if s == "" {
		s = "executor failed"
	}
	return errs.Redact(s)
}
