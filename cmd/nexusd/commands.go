package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexusd/internal/processor"
)

// =============================================================================
// Process Commands
// =============================================================================

func buildEngineCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run the engine",
		Long: `Run the engine: listen for the gateway and CLI clients, process chat
messages through the LLM router and fire scheduled tasks.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  nexusd engine --config /etc/nexusd/nexusd.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), resolveConfigPath(cmd), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildGatewayCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat gateway",
		Long: `Run the gateway: serve the web chat socket, forward messages to the
engine and deliver its replies. Messages sent while the engine is down are
buffered on disk and replayed on reconnect.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), resolveConfigPath(cmd), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Control Commands
// =============================================================================

// ctlFlags select the engine endpoint without requiring a config file.
type ctlFlags struct {
	socket  string
	tcp     string
	timeout time.Duration
}

func buildCtlCmd() *cobra.Command {
	flags := &ctlFlags{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Send one request to a running engine",
	}
	cmd.PersistentFlags().StringVar(&flags.socket, "socket", "", "Engine socket path (default from config)")
	cmd.PersistentFlags().StringVar(&flags.tcp, "tcp", "", "Engine TCP address (default from config)")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Minute, "Request timeout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show engine status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCtl(cmd, flags, processor.CLIStatus, nil)
			},
		},
		&cobra.Command{
			Use:   "models",
			Short: "List configured models",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCtl(cmd, flags, processor.CLIModels, nil)
			},
		},
		buildCtlChatCmd(flags),
		buildCtlTaskCmd(flags),
		buildCtlNewCmd(flags),
	)
	return cmd
}

func buildCtlChatCmd(flags *ctlFlags) *cobra.Command {
	var chatID, model string
	cmd := &cobra.Command{
		Use:     "chat <message>",
		Short:   "Send a message and print the answer",
		Example: `  nexusd ctl chat --chat-id me "summarise my notes"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtl(cmd, flags, processor.CLIChat, map[string]string{
				"chat_id": chatID,
				"content": strings.Join(args, " "),
				"model":   model,
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "cli", "Conversation to use")
	cmd.Flags().StringVar(&model, "model", "", "Model for this message (provider/model)")
	return cmd
}

func buildCtlTaskCmd(flags *ctlFlags) *cobra.Command {
	var name, model, injectChatID string
	cmd := &cobra.Command{
		Use:   "task <message>",
		Short: "Start a background task now",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtl(cmd, flags, processor.CLITask, map[string]string{
				"name":           name,
				"message":        strings.Join(args, " "),
				"model":          model,
				"inject_chat_id": injectChatID,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Task name (required)")
	cmd.Flags().StringVar(&model, "model", "", "Model for the task")
	cmd.Flags().StringVar(&injectChatID, "inject-chat-id", "", "Chat that receives the answer")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildCtlNewCmd(flags *ctlFlags) *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a fresh conversation segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtl(cmd, flags, processor.CLINew, map[string]string{"chat_id": chatID})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "cli", "Conversation to reset")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, resolveConfigPath(cmd))
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nexusd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
