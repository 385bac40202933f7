// Package responder turns an admitted chat message into reply text by
// invoking an external agent CLI.
package responder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

// Sentinels the responder emits when it chooses to stay silent.
const (
	SentinelNoReply   = "NO_REPLY"
	SentinelHeartbeat = "HEARTBEAT_OK"
)

const truncationMarker = "..."

// ErrUnknownResponder is returned by New for an unsupported responder kind.
var ErrUnknownResponder = config.ErrUnknownResponder

var leadingTag = regexp.MustCompile(`^\[.*?\]\s*`)

// Attachment is a local copy of an image shared with the message.
type Attachment struct {
	Path     string
	Name     string
	MimeType string
}

// Request is one message to answer.
type Request struct {
	ChannelName string
	SenderName  string
	Text        string
	Attachments []Attachment
}

// Gateway produces a reply for a request. ok is false when there is
// nothing to post: the responder chose silence, timed out or failed.
type Gateway interface {
	Generate(ctx context.Context, req Request) (reply string, ok bool)
}

// Option configures a Gateway built by New.
type Option func(*options)

type options struct {
	runner Runner
}

// WithRunner replaces the process runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// New builds the Gateway selected by cfg.Responder.Kind.
func New(cfg *config.Config, persona *Persona, opts ...Option) (Gateway, error) {
	o := options{runner: ExecRunner{}}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Responder.Kind {
	case config.ResponderPrompt:
		return NewPromptResponder(cfg.AgentName, cfg.Responder, persona, o.runner), nil
	case config.ResponderSession:
		return NewSessionResponder(cfg.AgentName, cfg.Responder, o.runner), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponder, cfg.Responder.Kind)
	}
}

// Normalize converts raw responder output into postable text. Empty output
// and output carrying a silence sentinel yield ok == false. A leading
// bracketed tag is removed and the result is clipped to maxRunes runes,
// the last three of which become "..." when clipping happens.
func Normalize(output string, maxRunes int) (string, bool) {
	out := strings.TrimSpace(output)
	if out == "" || strings.Contains(out, SentinelNoReply) || strings.Contains(out, SentinelHeartbeat) {
		return "", false
	}

	out = leadingTag.ReplaceAllString(out, "")
	if out == "" {
		return "", false
	}

	if maxRunes > len(truncationMarker) {
		if runes := []rune(out); len(runes) > maxRunes {
			out = string(runes[:maxRunes-len(truncationMarker)]) + truncationMarker
		}
	}
	return out, true
}

// contextLine renders the chat message the way the responder sees it.
func contextLine(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Mattermost #%s] %s: %s", req.ChannelName, req.SenderName, req.Text)
	if n := len(req.Attachments); n > 0 {
		fmt.Fprintf(&b, "\n(%d image(s) attached)", n)
	}
	return b.String()
}

// runOutput decides whether a finished run produced usable output. A process
// that exits non-zero after printing something still counts; timeouts and
// launch failures do not.
func runOutput(ctx context.Context, agent, command string, out []byte, err error) ([]byte, bool) {
	if err == nil {
		return out, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil && len(bytes.TrimSpace(out)) > 0 {
		slog.Warn("responder exited with error, using its output", "agent", agent, "command", command, "error", err)
		return out, true
	}
	logRunError(ctx, agent, command, err)
	return nil, false
}

// logRunError reports why a responder run produced nothing.
func logRunError(ctx context.Context, agent, command string, err error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		slog.Warn("responder timed out", "agent", agent, "command", command)
	case errors.Is(err, exec.ErrNotFound):
		slog.Warn("responder command not found in PATH", "agent", agent, "command", command)
	default:
		slog.Warn("responder failed", "agent", agent, "command", command, "error", err)
	}
}
