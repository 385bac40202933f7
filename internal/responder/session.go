package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

// agentTimeoutSec is the turn budget passed to the session CLI itself; the
// process timeout from config bounds the whole run.
const agentTimeoutSec = 120

var textLine = regexp.MustCompile(`"text"\s*:\s*"(.*)"`)

var unescapeText = strings.NewReplacer(`\n`, "\n", `\"`, `"`)

// SessionResponder forwards messages into a persistent agent session
// (`openclaw agent --session-id <id> --message <msg> --json`). The session
// keeps identity and history, so only the chat context is sent.
type SessionResponder struct {
	agent     string
	command   string
	sessionID string
	timeout   time.Duration
	maxChars  int
	language  string
	extraPath string
	run       Runner
}

// NewSessionResponder creates a SessionResponder.
func NewSessionResponder(agent string, cfg config.ResponderConfig, run Runner) *SessionResponder {
	return &SessionResponder{
		agent:     agent,
		command:   cfg.Command,
		sessionID: cfg.SessionID,
		timeout:   cfg.Timeout(),
		maxChars:  cfg.MaxReplyChars,
		language:  cfg.Language,
		extraPath: cfg.ExtraPath,
		run:       run,
	}
}

func (s *SessionResponder) Generate(ctx context.Context, req Request) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run.Run(ctx, Command{
		Name: s.command,
		Args: []string{
			"agent",
			"--session-id", s.sessionID,
			"--message", s.buildMessage(req),
			"--timeout", strconv.Itoa(agentTimeoutSec),
			"--json",
		},
		Env: environWithPathPrefix(s.extraPath),
	})
	out, ok := runOutput(ctx, s.agent, s.command, out, err)
	if !ok {
		return "", false
	}

	reply, ok := Normalize(extractSessionText(string(out)), s.maxChars)
	if !ok {
		slog.Debug("responder stayed silent", "agent", s.agent)
	}
	return reply, ok
}

func (s *SessionResponder) buildMessage(req Request) string {
	var b strings.Builder
	b.WriteString(contextLine(req))
	fmt.Fprintf(&b, "\n(This is a work group chat. Talk like a normal colleague. "+
		"Reply only when you have something to say, otherwise reply %s. Do not answer every message.)", SentinelNoReply)
	if s.language != "" {
		fmt.Fprintf(&b, "\n(Reply in %s.)", s.language)
	}
	if len(req.Attachments) > 0 {
		b.WriteString("\n\nAttached images (open them with the image tool):")
		for _, a := range req.Attachments {
			fmt.Fprintf(&b, "\n- %s: %s", a.Name, a.Path)
		}
	}
	return b.String()
}

type sessionOutput struct {
	Result struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
	} `json:"result"`
}

// extractSessionText pulls the reply out of the session CLI output. Well
// formed JSON yields the first payload text. Otherwise the first line with a
// "text" field is used, and any other output that looks like JSON is treated
// as no reply. Plain text is returned as is.
func extractSessionText(output string) string {
	out := strings.TrimSpace(output)
	if out == "" {
		return ""
	}

	var parsed sessionOutput
	if err := json.Unmarshal([]byte(out), &parsed); err == nil {
		if len(parsed.Result.Payloads) == 0 {
			return ""
		}
		return parsed.Result.Payloads[0].Text
	}

	for _, line := range strings.Split(out, "\n") {
		if m := textLine.FindStringSubmatch(line); m != nil {
			return unescapeText.Replace(m[1])
		}
	}

	if strings.HasPrefix(out, "{") {
		return ""
	}
	return out
}
