package responder

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	output string
	err    error
	block  bool // wait for ctx instead of returning
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte(f.output), f.err
}

func (f *fakeRunner) last(t *testing.T) Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"empty", "", "", false},
		{"whitespace", "  \n\t", "", false},
		{"sentinel", "NO_REPLY", "", false},
		{"sentinel inside text", "ok fine NO_REPLY.", "", false},
		{"heartbeat", "HEARTBEAT_OK", "", false},
		{"plain", "  sounds good  ", "sounds good", true},
		{"leading tag", "[from rex] on it", "on it", true},
		{"only first tag", "[a] [b] text", "[b] text", true},
		{"tag only", "[rex]", "", false},
		{"tag not leading", "see [link]", "see [link]", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.in, 2000)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Truncates(t *testing.T) {
	got, ok := Normalize(strings.Repeat("x", 2500), 2000)
	require.True(t, ok)
	assert.Len(t, got, 2000)
	assert.True(t, strings.HasSuffix(got, "..."))

	got, ok = Normalize(strings.Repeat("字", 2001), 2000)
	require.True(t, ok)
	assert.Equal(t, 2000, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("字", 1997)+"...", got)

	exact := strings.Repeat("y", 2000)
	got, ok = Normalize(exact, 2000)
	require.True(t, ok)
	assert.Equal(t, exact, got)
}

func promptConfig() config.ResponderConfig {
	return config.ResponderConfig{
		Kind:          config.ResponderPrompt,
		Command:       "claude",
		TimeoutSec:    120,
		MaxReplyChars: 2000,
	}
}

func TestPromptResponder_Generate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IDENTITY.md"), []byte("Rex, the ops engineer."), 0o644))

	cfg := promptConfig()
	cfg.Language = "Chinese"
	run := &fakeRunner{output: "[REX] deploy finished\n"}
	t.Setenv("CLAUDECODE", "1")

	r := NewPromptResponder("rex", cfg, NewPersona(dir), run)
	reply, ok := r.Generate(context.Background(), Request{
		ChannelName: "office-general",
		SenderName:  "alice",
		Text:        "status @rex?",
	})
	require.True(t, ok)
	assert.Equal(t, "deploy finished", reply)

	cmd := run.last(t)
	assert.Equal(t, "claude", cmd.Name)
	assert.Equal(t, "-p", cmd.Args[0])
	assert.Equal(t, []string{"--output-format", "text"}, cmd.Args[2:])
	for _, kv := range cmd.Env {
		assert.False(t, strings.HasPrefix(kv, "CLAUDECODE="), "CLAUDECODE must not be inherited")
	}

	prompt := cmd.Args[1]
	assert.Contains(t, prompt, "You are **REX**")
	assert.Contains(t, prompt, "Rex, the ops engineer.")
	assert.Contains(t, prompt, "reply with exactly: NO_REPLY")
	assert.Contains(t, prompt, "- Reply in Chinese")
	assert.True(t, strings.HasSuffix(prompt, "[Mattermost #office-general] alice: status @rex?"))
}

func TestPromptResponder_NoReply(t *testing.T) {
	tests := []struct {
		name string
		run  *fakeRunner
	}{
		{"sentinel", &fakeRunner{output: "NO_REPLY"}},
		{"empty", &fakeRunner{output: ""}},
		{"launch failure", &fakeRunner{err: errors.New("exec: \"claude\": executable file not found in $PATH")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPromptResponder("rex", promptConfig(), nil, tt.run)
			reply, ok := r.Generate(context.Background(), Request{Text: "hi"})
			assert.False(t, ok)
			assert.Empty(t, reply)
		})
	}
}

func TestPromptResponder_Timeout(t *testing.T) {
	r := NewPromptResponder("rex", promptConfig(), nil, &fakeRunner{block: true})
	r.timeout = 30 * time.Millisecond

	start := time.Now()
	_, ok := r.Generate(context.Background(), Request{Text: "hi"})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// writeScript creates an executable shell script standing in for the responder CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestPromptResponder_NonZeroExit(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
		ok     bool
	}{
		{"output kept", `echo "[REX] partial answer"; echo "warning: quota" >&2; exit 2`, "partial answer", true},
		{"no output", `echo "boom" >&2; exit 1`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := promptConfig()
			cfg.Command = writeScript(t, tt.script)
			r := NewPromptResponder("rex", cfg, nil, ExecRunner{})

			reply, ok := r.Generate(context.Background(), Request{Text: "status?"})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, reply)
		})
	}
}

func sessionConfig() config.ResponderConfig {
	return config.ResponderConfig{
		Kind:          config.ResponderSession,
		Command:       "openclaw",
		TimeoutSec:    180,
		MaxReplyChars: 2000,
		SessionID:     "mm-rex",
		ExtraPath:     "/opt/homebrew/bin",
	}
}

func TestSessionResponder_Generate(t *testing.T) {
	run := &fakeRunner{output: `{"result":{"payloads":[{"text":"looks good to me"}]}}`}
	r := NewSessionResponder("rex", sessionConfig(), run)

	reply, ok := r.Generate(context.Background(), Request{
		ChannelName: "meetings",
		SenderName:  "bob",
		Text:        "thoughts?",
		Attachments: []Attachment{{Path: "/tmp/cache/f1.png", Name: "chart.png", MimeType: "image/png"}},
	})
	require.True(t, ok)
	assert.Equal(t, "looks good to me", reply)

	cmd := run.last(t)
	assert.Equal(t, "openclaw", cmd.Name)
	assert.Equal(t, "agent", cmd.Args[0])
	assert.Equal(t, "mm-rex", argAfter(cmd.Args, "--session-id"))
	assert.Equal(t, "120", argAfter(cmd.Args, "--timeout"))
	assert.Equal(t, "--json", cmd.Args[len(cmd.Args)-1])

	msg := argAfter(cmd.Args, "--message")
	assert.True(t, strings.HasPrefix(msg, "[Mattermost #meetings] bob: thoughts?\n(1 image(s) attached)"))
	assert.Contains(t, msg, "- chart.png: /tmp/cache/f1.png")

	var path string
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	assert.True(t, strings.HasPrefix(path, "/opt/homebrew/bin"))
}

func TestExtractSessionText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"payload", `{"result":{"payloads":[{"text":"hi"},{"text":"ignored"}]}}`, "hi"},
		{"no payloads", `{"result":{"payloads":[]}}`, ""},
		{"no result", `{"status":"ok"}`, ""},
		{"line fallback", "warning: slow\n  \"text\": \"line one\\nline \\\"two\\\"\",\n", "line one\nline \"two\""},
		{"broken json", `{"result": {"payloads": [`, ""},
		{"plain text", "just a reply", "just a reply"},
		{"empty", "  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractSessionText(tt.in))
		})
	}
}

func TestSessionResponder_SentinelInPayload(t *testing.T) {
	run := &fakeRunner{output: `{"result":{"payloads":[{"text":"NO_REPLY"}]}}`}
	r := NewSessionResponder("rex", sessionConfig(), run)
	_, ok := r.Generate(context.Background(), Request{Text: "hi"})
	assert.False(t, ok)
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.AgentName = "rex"

	cfg.Responder = promptConfig()
	gw, err := New(cfg, nil, WithRunner(&fakeRunner{}))
	require.NoError(t, err)
	assert.IsType(t, &PromptResponder{}, gw)

	cfg.Responder = sessionConfig()
	gw, err = New(cfg, nil, WithRunner(&fakeRunner{}))
	require.NoError(t, err)
	assert.IsType(t, &SessionResponder{}, gw)

	cfg.Responder.Kind = "carrier-pigeon"
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownResponder)
}
