package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

// PromptResponder answers each message with a fresh one-shot CLI run
// (`claude -p <prompt> --output-format text`). The prompt carries the
// agent's identity and memory so that no session state is needed.
type PromptResponder struct {
	agent    string
	command  string
	timeout  time.Duration
	maxChars int
	language string
	persona  *Persona
	run      Runner
}

// NewPromptResponder creates a PromptResponder. persona may be nil.
func NewPromptResponder(agent string, cfg config.ResponderConfig, persona *Persona, run Runner) *PromptResponder {
	return &PromptResponder{
		agent:    agent,
		command:  cfg.Command,
		timeout:  cfg.Timeout(),
		maxChars: cfg.MaxReplyChars,
		language: cfg.Language,
		persona:  persona,
		run:      run,
	}
}

func (p *PromptResponder) Generate(ctx context.Context, req Request) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run.Run(ctx, Command{
		Name: p.command,
		Args: []string{"-p", p.buildPrompt(req), "--output-format", "text"},
		// a nested CLI refuses to start when it believes it runs inside another session
		Env: environWithout("CLAUDECODE"),
	})
	out, ok := runOutput(ctx, p.agent, p.command, out, err)
	if !ok {
		return "", false
	}

	reply, ok := Normalize(string(out), p.maxChars)
	if !ok {
		slog.Debug("responder stayed silent", "agent", p.agent)
	}
	return reply, ok
}

func (p *PromptResponder) buildPrompt(req Request) string {
	name := strings.ToUpper(p.agent)
	var identity, memory string
	if p.persona != nil {
		identity = p.persona.Identity()
		memory = p.persona.Memory()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are **%s**. You must reply AS %s and ONLY as %s.\n\n", name, name, name)
	fmt.Fprintf(&b, "CRITICAL: You are NOT the person who sent the message below. You are %s responding TO them.\n", name)
	b.WriteString("Do NOT impersonate, mimic, or roleplay as the sender.\n\n")
	fmt.Fprintf(&b, "Your identity:\n%s\n\n", identity)
	fmt.Fprintf(&b, "Your memory:\n%s\n\n", memory)
	b.WriteString("---\n\nRules:\n")
	fmt.Fprintf(&b, "- Reply as %s in first person\n", name)
	b.WriteString("- Keep it concise, like a normal chat message\n")
	fmt.Fprintf(&b, "- If you have nothing meaningful to add, reply with exactly: %s\n", SentinelNoReply)
	b.WriteString("- No markdown formatting (no **, no ##, etc.)\n")
	if p.language != "" {
		fmt.Fprintf(&b, "- Reply in %s\n", p.language)
	}
	fmt.Fprintf(&b, "\nIncoming message from the team chat:\n%s", contextLine(req))
	return b.String()
}
