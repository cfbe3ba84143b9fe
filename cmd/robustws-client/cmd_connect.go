package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kuuji/robustws"
	"github.com/kuuji/robustws/internal/config"
)

var connectFlagURL string

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a server and relay stdin/stdout over it",
	Long: `Connects to a server URL using the robustws library. Lines read from
stdin are sent as messages; inbound messages are printed to stdout.
Disconnects are survived automatically: the client resumes the same
logical session (and resends anything unacknowledged) once the server
is reachable again.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectFlagURL, "url", "", "server URL (e.g. wss://example.com/connect); prompted for if omitted")
}

func defaultConfigPath() (string, error) {
	return config.DefaultPath()
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfgPath, err := resolvedConfigPath()
	if err != nil {
		return err
	}

	profile, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	serverURL := connectFlagURL
	if serverURL == "" {
		serverURL = profile.ServerURL
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Server URL").
					Description("WebSocket URL to connect to, e.g. wss://example.com/connect").
					Placeholder(serverURL).
					Value(&serverURL),
			),
		).Run(); err != nil {
			return fmt.Errorf("cancelled")
		}
	}
	if serverURL == "" {
		return fmt.Errorf("no server URL given")
	}

	resuming := profile.ServerURL == serverURL && profile.RobustID != ""

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	opts := robustws.Options{
		ReconnectTimeout: profile.ReconnectTimeout(),
		Logger:           globalLogger,
	}
	if resuming {
		opts.RobustID = profile.RobustID
	}

	conn, err := robustws.Dial(ctx, serverURL, opts)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}

	printConnectQR(serverURL, conn.RobustID())

	profile.ServerURL = serverURL
	profile.RobustID = conn.RobustID()
	if err := config.Save(cfgPath, profile); err != nil {
		globalLogger.Warn("failed to persist profile", "err", err)
	}

	wireEventLogging(conn)
	go relayStdin(conn)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-conn.Done():
		globalLogger.Info("connection closed")
	case <-sigCh:
		globalLogger.Info("interrupted, closing")
		_ = conn.Close(1000, "client exiting")
		<-conn.Done()
	}
	return nil
}

func wireEventLogging(conn *robustws.Connection) {
	conn.OnClose = func(ev robustws.CloseEvent) {
		globalLogger.Info("closed", "code", ev.Code, "reason", ev.Reason, "clean", ev.WasClean)
	}
	conn.OnError = func(err error) {
		globalLogger.Error("connection error", "err", err)
	}
	conn.OnDisconnect = func() {
		globalLogger.Warn("disconnected, reconnecting")
	}
	conn.OnReconnect = func() {
		globalLogger.Info("reconnected")
	}
	conn.OnMessage = func(data string) {
		fmt.Println(data)
	}
}

func relayStdin(conn *robustws.Connection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if err := conn.Send([]byte(line)); err != nil {
			globalLogger.Error("send failed", "err", err)
		}
	}
}

// printConnectQR renders the connect URL (with this session's robust ID set
// as the resume "o" query parameter) as a terminal QR code, so a
// second terminal can be pointed at the same logical session for manual
// reconnect testing.
func printConnectQR(serverURL, robustID string) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return
	}
	q := u.Query()
	q.Set("o", robustID)
	u.RawQuery = q.Encode()

	qr, err := qrcode.New(u.String(), qrcode.Medium)
	if err != nil {
		globalLogger.Warn("failed to render QR code", "err", err)
		return
	}
	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "robust id: %s\n", robustID)
}
