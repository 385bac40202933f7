// Package admission decides whether an inbound chat event warrants a reply.
//
// It is the loop breaker for rooms where several automated agents talk to
// each other: bot-authored messages build up a chain counter that caps and
// cools down replies, while any human message resets the chain.
package admission

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nextlevelbuilder/mmrelay/internal/bus"
	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

// Decision reasons, reported in logs.
const (
	ReasonAdmitted    = "admitted"
	ReasonChainCap    = "bot chain cap reached"
	ReasonCooldown    = "bot chain cooldown"
	ReasonUnmentioned = "unmentioned bot chatter"
	ReasonSpacing     = "reply spacing"
)

// BotLookup reports whether a sender is a registered agent.
type BotLookup interface {
	IsBot(userID string) bool
}

// Decision is the outcome of Controller.Decide.
type Decision struct {
	Admit  bool
	Reason string
	Bot    bool // sender classified as a registered agent
	Chain  int  // bot chain length after this event
}

// Controller applies the admission rules. It holds no mutable state of its
// own; the State is passed in so that several listeners can share one
// Controller configuration.
type Controller struct {
	cfg     config.AdmissionConfig
	bots    BotLookup
	mention string
	rand    func() float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand replaces the uniform [0,1) source used for the unmentioned-chatter draw.
func WithRand(fn func() float64) Option {
	return func(c *Controller) { c.rand = fn }
}

// New creates a Controller for agentName.
func New(cfg config.AdmissionConfig, agentName string, bots BotLookup, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		bots:    bots,
		mention: "@" + strings.ToLower(agentName),
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mentions reports whether text contains the agent's mention token.
func (c *Controller) Mentions(text string) bool {
	return strings.Contains(strings.ToLower(text), c.mention)
}

// Decide evaluates ev against st at now. The bot chain counters in st are
// updated even when the event is refused. Must only be called from the
// receive loop.
func (c *Controller) Decide(st *State, ev bus.InboundEvent, now time.Time) Decision {
	isBot := c.bots != nil && c.bots.IsBot(ev.SenderID)
	sinceReply := st.sinceLastReply(now)

	refuse := func(reason string) Decision {
		return Decision{Reason: reason, Bot: isBot, Chain: st.consecutiveBot}
	}

	if isBot {
		if !st.lastBotMessage.IsZero() && now.Sub(st.lastBotMessage) < c.cfg.BotWindow() {
			st.consecutiveBot++
		} else {
			st.consecutiveBot = 1
		}
		st.lastBotMessage = now

		if st.consecutiveBot > c.cfg.MaxConsecutiveBot {
			return refuse(ReasonChainCap)
		}
		if sinceReply < c.cfg.Cooldown() && st.consecutiveBot > c.cfg.CooldownChain {
			return refuse(ReasonCooldown)
		}
		if !c.Mentions(ev.Content) && c.rand() < c.cfg.UnmentionedRefuseProb {
			return refuse(ReasonUnmentioned)
		}
	} else {
		// Human activity always breaks a bot chain.
		st.consecutiveBot = 0
	}

	if sinceReply < c.cfg.MinReplyInterval() {
		return refuse(ReasonSpacing)
	}

	return Decision{Admit: true, Reason: ReasonAdmitted, Bot: isBot, Chain: st.consecutiveBot}
}
