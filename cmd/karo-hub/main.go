// Command karo-hub runs the Hub broker: it listens on a well-known
// Unix-domain socket, accepts service registrations and brokers the
// Connect handshake between them, then gets out of the way.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/pkg/bus"
	"github.com/karo-platform/karo-bus/pkg/hub"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	socketPath string
	policyDir  string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "karo-hub",
	Short: "Run the karo-bus Hub broker",
	Long: `karo-hub listens on a Unix-domain socket and brokers service
registration and peer-to-peer Connect handshakes for karo-bus services.
It never proxies method calls, signals or states after a Connect is
handed off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runHub(ctx, socketPath, policyDir, newLogger(), nil)
	},
}

func init() {
	rootCmd.Flags().StringVar(&socketPath, "socket", bus.DefaultSocketPath, "Unix-domain socket path to listen on")
	rootCmd.Flags().StringVar(&policyDir, "policy-dir", "/etc/karo-bus/services.d", "directory of <service>.service policy files")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
}

// runHub listens and serves until ctx is cancelled or Serve fails on its
// own. ready, if non-nil, receives the live *hub.Hub once Listen succeeds —
// used by tests to synchronize against a real socket before dialing it.
func runHub(ctx context.Context, socketPath, policyDir string, log logging.Logger, ready chan<- *hub.Hub) error {
	h := hub.New(policyDir, log)
	if err := h.Listen(socketPath); err != nil {
		return fmt.Errorf("karo-hub: %w", err)
	}
	if ready != nil {
		ready <- h
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve() }()

	log.Infof("karo-hub: listening on %s (policy dir %s)", socketPath, policyDir)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("karo-hub: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Infof("karo-hub: shutting down")
		return h.Close()
	}
}

func newLogger() logging.Logger {
	if debug {
		return logging.NewWithLevel(logrus.DebugLevel)
	}
	return logging.New()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
