package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-tunnel/internal/bridge"
	"github.com/giantswarm/mcp-tunnel/internal/credentials"
	"github.com/giantswarm/mcp-tunnel/internal/tunnel"
	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

// serveCmd opens the tunnel and serves MCP requests until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open a tunnel and serve MCP requests through it",
	Long: `Connects to the relay with the stored credential and prints the public
tunnel URL. MCP requests sent to that URL are answered by the built-in MCP
server, which currently offers the tunnel_info tool.

The tunnel reconnects on its own after network failures. When the session
expires, serve keeps running and reconnects as soon as 'mcp-tunnel auth login'
stores a new credential.

Under systemd (Type=notify) readiness is reported once the tunnel is open.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newCredentialStore()
	if err != nil {
		return err
	}

	b := bridge.New(newMCPServer(), bridge.WithTimeout(settings.Tunnel.RequestTimeout))
	defer b.Close()

	client, err := tunnel.New(tunnel.Config{
		RelayURL:              settings.RelayURL,
		Credentials:           store,
		Refresher:             newDeviceAuthClient(),
		Handler:               b,
		ConnectTimeout:        settings.Tunnel.ConnectTimeout,
		RequestTimeout:        settings.Tunnel.RequestTimeout,
		HeartbeatInterval:     settings.Tunnel.HeartbeatInterval,
		HeartbeatTimeout:      settings.Tunnel.HeartbeatTimeout,
		ReconnectInitialDelay: settings.Tunnel.ReconnectInitialDelay,
		ReconnectMaxDelay:     settings.Tunnel.ReconnectMaxDelay,
		MaxReconnectAttempts:  maxReconnectAttempts(settings.Tunnel.MaxReconnectAttempts),
		Logger:                logging.For("Tunnel"),
	})
	if err != nil {
		return err
	}
	b.AddTool(tunnelInfoTool(), tunnelInfoHandler(client))

	out := cmd.OutOrStdout()
	url, err := client.Connect(ctx)
	if err != nil {
		return connectionError(err)
	}
	fmt.Fprintf(out, "Tunnel open: %s\n", url)
	notifySystemd(daemon.SdNotifyReady)

	changes := make(chan struct{}, 1)
	watcher := credentials.NewWatcher(credentials.WatcherConfig{
		Path: store.Path(),
		OnChange: func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		},
	})
	if err := watcher.Start(); err != nil {
		logging.Warn("Serve", "Credential watcher unavailable: %v", err)
	}
	defer watcher.Stop()

	err = runEventLoop(ctx, client, changes, out)

	notifySystemd(daemon.SdNotifyStopping)
	_ = client.Disconnect()
	return err
}

// maxReconnectAttempts converts the configured count, where 0 means never
// reconnect, into the tunnel convention where 0 means the default.
func maxReconnectAttempts(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// tunnelClient is the part of *tunnel.Client the event loop uses.
type tunnelClient interface {
	Events() <-chan tunnel.Event
	Connect(ctx context.Context) (string, error)
	State() tunnel.State
}

// runEventLoop reports tunnel events until ctx is done or the tunnel fails for
// a reason a new login cannot fix.
func runEventLoop(ctx context.Context, client tunnelClient, credentialChanges <-chan struct{}, out io.Writer) error {
	waitingForLogin := false

	for {
		select {
		case <-ctx.Done():
			logging.Info("Serve", "Shutting down")
			return nil

		case <-credentialChanges:
			if !waitingForLogin || client.State() != tunnel.StateIdle {
				continue
			}
			logging.Info("Serve", "Credential changed, reconnecting")
			url, err := client.Connect(ctx)
			if err != nil {
				logging.Warn("Serve", "Reconnect with new credential failed: %v", err)
				continue
			}
			waitingForLogin = false
			fmt.Fprintf(out, "Tunnel open: %s\n", url)

		case ev := <-client.Events():
			switch ev.Type {
			case tunnel.EventConnected:
				logging.Info("Serve", "Tunnel connected at %s", ev.URL)
			case tunnel.EventURLChanged:
				fmt.Fprintf(out, "Tunnel URL changed: %s\n", ev.URL)
			case tunnel.EventDisconnected:
				logging.Info("Serve", "Tunnel disconnected (%s) %s", ev.CloseCode, ev.Reason)
			case tunnel.EventReconnecting:
				logging.Info("Serve", "Reconnecting in %s (attempt %d)", ev.Delay, ev.Attempt)
			case tunnel.EventRequest:
				logging.Debug("Serve", "%s %s", ev.Request.Method, ev.Request.Path)
			case tunnel.EventError:
				logging.Warn("Serve", "Tunnel error: %v", ev.Err)
			case tunnel.EventFatal:
				switch tunnel.CodeOf(ev.Err) {
				case tunnel.CodeSessionExpired, tunnel.CodeNoCredentials:
					fmt.Fprintln(out, "Session expired. Run 'mcp-tunnel auth login' to resume.")
					waitingForLogin = true
				default:
					return connectionError(ev.Err)
				}
			}
		}
	}
}

func notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logging.Debug("Serve", "sd_notify %s failed: %v", state, err)
		return
	}
	if sent {
		logging.Debug("Serve", "sd_notify %s", state)
	}
}

func newMCPServer() *server.MCPServer {
	return server.NewMCPServer("mcp-tunnel", GetVersion())
}

// tunnelInfo is the tunnel_info tool result.
type tunnelInfo struct {
	URL      string `json:"url"`
	ClientID string `json:"clientId"`
	State    string `json:"state"`
}

type tunnelInfoSource interface {
	TunnelURL() string
	ClientID() string
	State() tunnel.State
}

func tunnelInfoTool() mcp.Tool {
	return mcp.NewTool("tunnel_info",
		mcp.WithDescription("Report the public URL and state of this tunnel"),
	)
}

func tunnelInfoHandler(src tunnelInfoSource) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := json.Marshal(tunnelInfo{
			URL:      src.TunnelURL(),
			ClientID: src.ClientID(),
			State:    src.State().String(),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
