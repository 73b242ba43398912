package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-tunnel/internal/config"
	"github.com/giantswarm/mcp-tunnel/internal/deviceauth"
	"github.com/giantswarm/mcp-tunnel/internal/tunnel"
	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no usable credential is stored.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the device flow or the relay rejected the user.
	ExitCodeAuthFailed = 3
)

// Global flags.
var (
	configFile string
	envFile    string
	logLevel   string
	logFormat  string
	relayURL   string
)

// settings is the configuration resolved before any subcommand runs.
var settings config.Config

// rootCmd represents the base command for the mcp-tunnel application.
var rootCmd = &cobra.Command{
	Use:   "mcp-tunnel",
	Short: "Expose a local MCP server through a public tunnel",
	Long: `mcp-tunnel connects a local MCP server to the mcp-tunnel relay and
gives it a public URL that MCP clients can reach.

Log in once with 'mcp-tunnel auth login', then run 'mcp-tunnel serve'.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-tunnel version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// loadSettings resolves the configuration and initialises logging. Flags win
// over every other source.
func loadSettings(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		EnvFile:    envFile,
	})
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if cmd.Flags().Changed("relay-url") {
		cfg.RelayURL = relayURL
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.Init(level, logging.Format(cfg.Log.Format), cmd.ErrOrStderr())

	settings = cfg
	return nil
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var authRequired *AuthRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}

	switch tunnel.CodeOf(err) {
	case tunnel.CodeNoCredentials, tunnel.CodeSessionExpired:
		return ExitCodeAuthRequired
	case tunnel.CodeUnauthorized:
		return ExitCodeAuthFailed
	}

	switch deviceauth.CodeOf(err) {
	case deviceauth.ErrorAuthFailed, deviceauth.ErrorAccessDenied,
		deviceauth.ErrorExpiredToken, deviceauth.ErrorInvalidGrant:
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.config/mcp-tunnel/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with MCP_TUNNEL_* overrides (default is .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay-url", "", "relay WebSocket URL")
}
