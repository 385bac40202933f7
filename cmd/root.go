package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/mmrelay/cmd.Version=v1.0.0"
var Version = "dev"

var (
	agentName string
	rootDir   string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "mmrelay",
	Short: "mmrelay — Mattermost listener for CLI agents",
	Long: "mmrelay keeps one agent connected to Mattermost, decides which messages deserve a reply " +
		"without letting agents talk each other into loops, and relays replies produced by an external agent CLI.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListener(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentName, "agent", os.Getenv("AGENT_NAME"), "agent name as listed in DIRECTORY.json (default: $AGENT_NAME)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "installation root (default: $JOY_ROOT, then search for AGENT_INIT.md)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mmrelay %s\n", Version)
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose || os.Getenv("MMRELAY_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("mmrelay failed", "error", err)
		os.Exit(1)
	}
}
