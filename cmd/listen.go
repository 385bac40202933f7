package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mmrelay/internal/admission"
	"github.com/nextlevelbuilder/mmrelay/internal/channels"
	"github.com/nextlevelbuilder/mmrelay/internal/channels/mattermost"
	"github.com/nextlevelbuilder/mmrelay/internal/channels/mattermost/api"
	"github.com/nextlevelbuilder/mmrelay/internal/config"
	"github.com/nextlevelbuilder/mmrelay/internal/dispatch"
	"github.com/nextlevelbuilder/mmrelay/internal/media"
	"github.com/nextlevelbuilder/mmrelay/internal/responder"
	"github.com/nextlevelbuilder/mmrelay/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

func loadConfig() (*config.Config, error) {
	if agentName == "" {
		return nil, config.ErrAgentRequired
	}
	root, err := config.FindRoot(rootDir)
	if err != nil {
		return nil, err
	}
	return config.Load(root, agentName)
}

func runListener(ctx context.Context) error {
	setupLogging()

	if err := pickAgent(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, cfg.AgentName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("trace shutdown", "error", err)
		}
	}()

	client := api.NewClient(cfg.Mattermost)

	if cfg.Mattermost.BotUserID == "" {
		if err := resolveBotUserID(ctx, client, cfg, cfg.Listener.ReconnectDelay()); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	monitored := discoverChannels(ctx, client, cfg)

	state := admission.NewState()
	persona := responder.NewPersona(cfg.AgentDir())
	gateway, err := responder.New(cfg, persona)
	if err != nil {
		return err
	}

	relay := dispatch.NewRelay(dispatch.RelayOptions{
		AgentName:  cfg.AgentName,
		Names:      api.NewNameCache(client),
		Bots:       cfg.Bots,
		Channels:   monitored,
		Media:      media.NewDownloader(client, cfg.Media),
		Gateway:    gateway,
		Dispatcher: dispatch.NewDispatcher(cfg.AgentName, client, state),
	})
	pool := dispatch.NewPool(cfg.Listener.Workers, cfg.Listener.BacklogWarn, relay.Handle)

	listener := mattermost.NewListener(mattermost.ListenerOptions{
		AgentName:  cfg.AgentName,
		Mattermost: cfg.Mattermost,
		Listener:   cfg.Listener,
		Channels:   monitored,
		Admitter:   admission.New(cfg.Admission, cfg.AgentName, cfg.Bots),
		State:      state,
		Submitter:  pool,
	})

	slog.Info("mmrelay starting",
		"version", Version, "agent", cfg.AgentName, "responder", cfg.Responder.Kind,
		"workers", cfg.Listener.Workers, "registered_bots", len(cfg.Bots))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error {
		if err := persona.Watch(gctx); err != nil {
			slog.Warn("persona watcher unavailable", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("mmrelay stopped", "agent", cfg.AgentName)
	return err
}

// resolveBotUserID asks the server who the bot token belongs to. Transient
// failures are retried every delay until ctx ends; rejected credentials are fatal.
func resolveBotUserID(ctx context.Context, client *api.Client, cfg *config.Config, delay time.Duration) error {
	for {
		me, err := client.Me(ctx)
		if err == nil {
			cfg.SetBotUserID(me.ID)
			slog.Info("bot user id resolved", "agent", cfg.AgentName, "user_id", me.ID)
			return nil
		}
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			return fmt.Errorf("fetch bot user id: %w", err)
		}
		slog.Warn("fetch bot user id failed, retrying", "agent", cfg.AgentName, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// discoverChannels maps the configured channel names to IDs. An empty result
// means every channel is accepted.
func discoverChannels(ctx context.Context, client *api.Client, cfg *config.Config) channels.Monitored {
	found, err := client.DiscoverChannels(ctx, cfg.Listener.Channels)
	if err != nil {
		slog.Warn("channel discovery incomplete", "agent", cfg.AgentName, "error", err)
	}
	if len(found) == 0 {
		slog.Warn("no monitored channels found, accepting all channels",
			"agent", cfg.AgentName, "wanted", cfg.Listener.Channels)
		return nil
	}
	slog.Info("monitoring channels", "agent", cfg.AgentName, "channels", found)
	return channels.Monitored(found)
}
