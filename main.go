package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"servicechat/config"
	"servicechat/pkg/logger"
)

var (
	version = "dev"

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "servicechat",
	Short: "Terminal client for vehicle-service booking chats",
	Long: `servicechat talks to the booking chat backend: it lists your
conversations and canned questions, opens conversations and runs an
interactive chat with live push delivery.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			if err := os.Setenv("CHAT_CONFIG_FILE", path); err != nil {
				return err
			}
		}

		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlagOverrides(cmd, loaded)
		logger.InitLogger(loaded.LogLevel, loaded.LogFormat)

		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML config file (overrides CHAT_CONFIG_FILE)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Int64("user-id", 0, "participant id of the signed-in user")
	flags.String("user-name", "", "display name of the signed-in user")
	flags.String("role", "", "role of the signed-in user: CUSTOMER, EMPLOYEE or ADMIN")
	flags.String("status-addr", "", "address of the local status server, e.g. :9090")
}

func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("user-id") {
		c.Identity.ID, _ = flags.GetInt64("user-id")
	}
	if flags.Changed("user-name") {
		c.Identity.Name, _ = flags.GetString("user-name")
	}
	if flags.Changed("role") {
		c.Identity.Role, _ = flags.GetString("role")
	}
	if flags.Changed("status-addr") {
		c.StatusAddr, _ = flags.GetString("status-addr")
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
