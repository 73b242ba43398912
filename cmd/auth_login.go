package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/giantswarm/mcp-tunnel/internal/deviceauth"
)

var loginNoQR bool

// authLoginCmd represents the auth login command
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the device authorization flow",
	Long: `Sign in to mcp-tunnel.

A short code and a URL are printed (plus a QR code on terminals). Open the URL
on any device, confirm the code, and the credential is stored in
~/.config/mcp-tunnel/credentials.json.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogin,
}

func init() {
	authLoginCmd.Flags().BoolVar(&loginNoQR, "no-qr", false, "Do not print a QR code")
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := newCredentialStore()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	interactive := isTerminal(out)

	var s *spinner.Spinner
	token, err := newDeviceAuthClient().Login(ctx, func(auth *deviceauth.DeviceAuthorization) {
		printDeviceCode(out, auth, interactive && !loginNoQR)
		if interactive && !authQuiet {
			s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
			s.Suffix = " Waiting for confirmation..."
			s.Start()
		}
	})
	if s != nil {
		s.Stop()
	}
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cred := token.Credential(time.Now())
	if err := store.Save(cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	authPrint(out, "%s Logged in as %s (%s)\n", text.FgGreen.Sprint("✓"), cred.User.Email, cred.User.Tier)
	return nil
}

// printDeviceCode shows the user code and where to enter it.
func printDeviceCode(w io.Writer, auth *deviceauth.DeviceAuthorization, withQR bool) {
	fmt.Fprintf(w, "Open %s and enter the code:\n\n", text.Bold.Sprint(auth.VerificationURI))
	fmt.Fprintf(w, "    %s\n\n", text.Bold.Sprint(auth.UserCode))

	if !withQR {
		return
	}
	qr, err := qrcode.New(auth.BrowserURI(), qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Fprintln(w, "Or scan this QR code:")
	fmt.Fprintln(w, qr.ToSmallString(false))
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
