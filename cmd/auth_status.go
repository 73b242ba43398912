package cmd

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-tunnel/internal/credentials"
)

// authStatusCmd represents the auth status command
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the signed-in account",
	Long: `Show the account of the stored credential, when the access token
expires, and whether it can be refreshed.

Exits with code 2 when no credential is stored.`,
	Args: cobra.NoArgs,
	RunE: runAuthStatus,
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	store, err := newCredentialStore()
	if err != nil {
		return err
	}

	cred := store.Load()
	if cred == nil {
		authPrint(cmd.OutOrStdout(), "  Status:    %s\n", text.FgYellow.Sprint("Not logged in"))
		return &AuthRequiredError{Reason: "no credential stored"}
	}

	printCredentialStatus(cmd.OutOrStdout(), store, cred, time.Now())
	return nil
}

func printCredentialStatus(w io.Writer, store *credentials.Store, cred *credentials.Credential, now time.Time) {
	authPrint(w, "  Account:   %s\n", cred.User.Email)
	authPrint(w, "  Plan:      %s\n", cred.User.Tier)
	authPrint(w, "  Relay:     %s\n", settings.RelayURL)

	if store.IsExpired(cred) {
		authPrint(w, "  Status:    %s\n", text.FgYellow.Sprint("Access token expired"))
	} else {
		authPrint(w, "  Status:    %s\n", text.FgGreen.Sprint("Logged in"))
	}
	authPrint(w, "  Expires:   %s\n", formatExpiry(cred.ExpiresAt, now))

	if cred.RefreshToken != "" {
		authPrint(w, "  Refresh:   %s\n", text.FgGreen.Sprint("Available"))
	} else {
		authPrint(w, "  Refresh:   %s\n", text.FgYellow.Sprint("Not available (re-auth required on expiry)"))
	}
	authPrint(w, "  File:      %s\n", store.Path())
}
