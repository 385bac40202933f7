package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mmrelay/internal/channels/mattermost/api"
	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

const doctorTimeout = 15 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, Mattermost access and the responder CLI for one agent",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("mmrelay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	root, err := config.FindRoot(rootDir)
	if err != nil {
		fmt.Printf("  Root:      %s\n", err)
		return
	}
	fmt.Printf("  Root:      %s (OK)\n", root)
	fmt.Printf("  Directory: %s", config.DirectoryPath(root))
	dir, err := config.LoadDirectory(root)
	if err != nil {
		fmt.Printf(" (%s)\n", err)
		return
	}
	fmt.Printf(" (%d agents)\n", len(dir.Agents))

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Agent:     %s\n", err)
		return
	}

	fmt.Println()
	fmt.Printf("  Agent %q:\n", cfg.AgentName)
	fmt.Printf("    %-12s %s\n", "Server:", cfg.Mattermost.BaseURL)
	fmt.Printf("    %-12s %s\n", "Bot token:", maskToken(cfg.Mattermost.BotToken))
	if cfg.Mattermost.AdminToken != "" {
		fmt.Printf("    %-12s %s\n", "Admin token:", maskToken(cfg.Mattermost.AdminToken))
	}
	if cfg.Mattermost.InsecureSkipVerify {
		fmt.Printf("    %-12s disabled\n", "TLS verify:")
	}

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	client := api.NewClient(cfg.Mattermost)

	fmt.Println()
	fmt.Println("  Mattermost:")
	me, err := client.Me(ctx)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Bot user:", err)
	} else {
		fmt.Printf("    %-12s @%s (%s)\n", "Bot user:", me.Username, me.ID)
		if cfg.Mattermost.BotUserID != "" && cfg.Mattermost.BotUserID != me.ID {
			fmt.Printf("    %-12s directory says %s\n", "MISMATCH:", cfg.Mattermost.BotUserID)
		}
	}
	found, err := client.DiscoverChannels(ctx, cfg.Listener.Channels)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Channels:", err)
	}
	switch {
	case err != nil && len(found) == 0:
	case len(found) == 0:
		fmt.Printf("    %-12s none of %s found, all channels would be accepted\n", "Channels:", strings.Join(cfg.Listener.Channels, ", "))
	default:
		for id, name := range found {
			fmt.Printf("    %-12s #%s (%s)\n", "Channel:", name, id)
		}
	}

	fmt.Println()
	fmt.Println("  Responder:")
	fmt.Printf("    %-12s %s\n", "Kind:", cfg.Responder.Kind)
	checkResponderBinary(cfg.Responder)
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.Responder.Timeout())

	fmt.Println()
	fmt.Println("  Files:")
	checkPath("Identity:", filepath.Join(cfg.AgentDir(), "IDENTITY.md"))
	checkPath("Memory:", filepath.Join(cfg.AgentDir(), "MEMORY.md"))
	checkPath("Image cache:", cfg.Media.CacheDir)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkResponderBinary(rc config.ResponderConfig) {
	path, err := exec.LookPath(rc.Command)
	if err != nil && rc.ExtraPath != "" {
		for _, dir := range filepath.SplitList(rc.ExtraPath) {
			candidate := filepath.Join(dir, rc.Command)
			if st, statErr := os.Stat(candidate); statErr == nil && !st.IsDir() {
				path, err = candidate, nil
				break
			}
		}
	}
	if err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", "Command:", rc.Command)
		return
	}
	fmt.Printf("    %-12s %s\n", "Command:", path)
}

func checkPath(label, path string) {
	fmt.Printf("    %-12s %s", label, path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
