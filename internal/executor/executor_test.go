package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/internal/errs"
	"github.com/cursorbot/cursorbot/internal/sessions"
)

// stubScript writes an executable shell script acting as the executor.
func stubScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-executor")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type handleRecorder struct {
	key, handle string
}

func (h *handleRecorder) SetExecutorChat(key, handle string) {
	h.key, h.handle = key, handle
}

func collect(t *testing.T, ch <-chan Delta) (string, error) {
	t.Helper()
	var sb strings.Builder
	for d := range ch {
		if d.Err != nil {
			return sb.String(), d.Err
		}
		sb.WriteString(d.Text)
	}
	return sb.String(), nil
}

func TestRunStreamsStdout(t *testing.T) {
	bin := stubScript(t, `printf 'hello '; printf 'world'`)
	b := New(Config{Binary: bin, Timeout: 5 * time.Second}, nil)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "k1"}

	got, err := collect(t, b.Run(context.Background(), sess, "hi", RunOptions{}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "hello world" {
		t.Errorf("output = %q", got)
	}
}

func TestRunPassesResumeAndModelFlags(t *testing.T) {
	bin := stubScript(t, `echo "$@"`)
	b := New(Config{Binary: bin, Model: "default-model", Timeout: 5 * time.Second}, nil)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "k1", CLIChatID: "chat-99"}

	got, err := collect(t, b.Run(context.Background(), sess, "the prompt", RunOptions{Model: "override"}))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--print", "--output-format text", "--resume chat-99", "--model override", "the prompt"} {
		if !strings.Contains(got, want) {
			t.Errorf("args missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "default-model") {
		t.Error("override did not replace default model")
	}
}

func TestReadOnlyPassesPermissionMode(t *testing.T) {
	bin := stubScript(t, `echo "$@"`)
	b := New(Config{Binary: bin, Timeout: 5 * time.Second}, nil)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "k1"}

	got, err := collect(t, b.Run(context.Background(), sess, "p", RunOptions{ReadOnly: true}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "--permission-mode read-only") {
		t.Errorf("args missing permission mode in %q", got)
	}

	got, err = collect(t, b.Run(context.Background(), sess, "p", RunOptions{}))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "--permission-mode") {
		t.Errorf("permission mode emitted without read-only: %q", got)
	}
}

func TestCredentialsViaEnvNotArgs(t *testing.T) {
	bin := stubScript(t, `echo "args:$@"; echo "key:$CURSOR_API_KEY"`)
	b := New(Config{Binary: bin, APIKey: "sk-test-123", Timeout: 5 * time.Second}, nil)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "k1"}

	got, err := collect(t, b.Run(context.Background(), sess, "p", RunOptions{}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "key:sk-test-123") {
		t.Error("api key not in subprocess environment")
	}
	argsLine := got[strings.Index(got, "args:"):strings.Index(got, "key:")]
	if strings.Contains(argsLine, "sk-test-123") {
		t.Error("api key leaked onto the command line")
	}
}

func TestCreateChatStoresHandle(t *testing.T) {
	bin := stubScript(t, `if [ "$1" = "create-chat" ]; then echo "chat-777"; fi`)
	rec := &handleRecorder{}
	b := New(Config{Binary: bin}, rec)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "agent:default:main"}

	handle, err := b.CreateChat(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if handle != "chat-777" {
		t.Errorf("handle = %q", handle)
	}
	if rec.key != "agent:default:main" || rec.handle != "chat-777" {
		t.Errorf("store = %+v", rec)
	}
}

func TestResetClearsHandle(t *testing.T) {
	rec := &handleRecorder{key: "k", handle: "old"}
	b := New(Config{Binary: "x"}, rec)
	b.Reset(&sessions.Session{SessionKey: "k"})
	if rec.handle != "" {
		t.Errorf("handle = %q, want cleared", rec.handle)
	}
}

func TestTimeoutClassification(t *testing.T) {
	bin := stubScript(t, `sleep 10`)
	b := New(Config{Binary: bin, Timeout: 100 * time.Millisecond}, nil)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "k1"}

	_, err := collect(t, b.Run(context.Background(), sess, "p", RunOptions{}))
	if !errs.IsCode(err, errs.CodeTimeout) {
		t.Errorf("err = %v, want Timeout", err)
	}
}

func TestStderrClassification(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   errs.Code
	}{
		{"unauthorized", `echo "error: invalid api key" >&2; exit 1`, errs.CodeUnauthorized},
		{"unavailable", `echo "connection refused" >&2; exit 1`, errs.CodeUnavailable},
		{"generic", `echo "segfault" >&2; exit 1`, errs.CodeExecutorFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := stubScript(t, tt.script)
			b := New(Config{Binary: bin, Timeout: 5 * time.Second}, nil)
			sess := &sessions.Session{SessionID: "s", SessionKey: "k"}
			_, err := collect(t, b.Run(context.Background(), sess, "p", RunOptions{}))
			if !errs.IsCode(err, tt.want) {
				t.Errorf("err = %v, want code %d", err, tt.want)
			}
		})
	}
}

func TestCancellationStopsRun(t *testing.T) {
	bin := stubScript(t, `printf start; sleep 10; printf end`)
	b := New(Config{Binary: bin, Timeout: time.Minute}, nil)
	sess := &sessions.Session{SessionID: "s1", SessionKey: "k1"}

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Run(ctx, sess, "p", RunOptions{})
	time.Sleep(200 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not stop the run")
	}
}
