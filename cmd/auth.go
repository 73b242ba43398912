package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-tunnel/internal/credentials"
	"github.com/giantswarm/mcp-tunnel/internal/deviceauth"
	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

var authQuiet bool

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the mcp-tunnel login",
	Long: `Manage the credential used to open tunnels.

Examples:
  mcp-tunnel auth login     # Sign in with the device flow
  mcp-tunnel auth status    # Show the signed-in account
  mcp-tunnel auth logout    # Remove the stored credential`,
}

// authLogoutCmd represents the auth logout command
var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored credential",
	Long: `Delete the local credential file. A running 'mcp-tunnel serve' keeps its
current connection but cannot reconnect until you log in again.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogout,
}

// authPrint prints output only if the --quiet flag is not set.
func authPrint(w io.Writer, format string, args ...interface{}) {
	if !authQuiet {
		fmt.Fprintf(w, format, args...)
	}
}

// authPrintln prints a line only if the --quiet flag is not set.
func authPrintln(w io.Writer, a ...interface{}) {
	if !authQuiet {
		fmt.Fprintln(w, a...)
	}
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)

	authCmd.PersistentFlags().BoolVarP(&authQuiet, "quiet", "q", false, "Suppress non-essential output")
}

// newCredentialStore opens the store at the configured path.
func newCredentialStore() (*credentials.Store, error) {
	return credentials.NewStore(credentials.StoreConfig{
		Path:   settings.CredentialsPath,
		Logger: logging.For("Credentials"),
	})
}

// newDeviceAuthClient builds the OAuth client from the configured endpoints.
func newDeviceAuthClient() *deviceauth.Client {
	return deviceauth.NewClient(
		settings.Auth.ClientID,
		settings.Auth.Endpoint(),
		deviceauth.WithLogger(logging.For("DeviceAuth")),
	)
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	store, err := newCredentialStore()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !store.Exists() {
		authPrintln(out, "Not logged in.")
		return nil
	}

	if err := store.Clear(); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}

	authPrint(out, "Logged out. Removed %s\n", store.Path())
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// formatExpiry formats a time as "in X" or "expired X ago" relative to now.
func formatExpiry(expiresAt, now time.Time) string {
	remaining := expiresAt.Sub(now)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(-remaining))
}
