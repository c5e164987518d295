// Command karo-cat is a demonstration client for the karo-bus Bus surface:
// it registers against a Hub and can call methods, emit signals, watch
// states and subscribe to signals on other registered services, printing
// whatever it observes as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/bus"
	"github.com/karo-platform/karo-bus/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	socketPath  string
	serviceName string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "karo-cat",
	Short: "Exercise a karo-bus service from the command line",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", bus.DefaultSocketPath, "Hub's Unix-domain socket path")
	rootCmd.PersistentFlags().StringVar(&serviceName, "name", "", "service name to register as (required)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "per-operation timeout")
	rootCmd.MarkPersistentFlagRequired("name")

	rootCmd.AddCommand(callCmd, emitCmd, watchCmd, subscribeCmd, inspectCmd)
}

// openBus registers serviceName against the Hub and returns a cleanup func.
func openBus(ctx context.Context) (*bus.Bus, func(), error) {
	log := logging.New()
	b, err := bus.Register(ctx, socketPath, serviceName, log)
	if err != nil {
		return nil, nil, fmt.Errorf("registering %s: %w", serviceName, err)
	}
	return b, func() { b.Close() }, nil
}

func parsePayload(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parsing --payload as JSON: %w", err)
	}
	return v, nil
}

func printValue(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding response as JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// waitForInterrupt blocks until ctx is cancelled or the process receives an
// interrupt/termination signal, used by watch/subscribe to keep delivering
// callback-pushed values after their setup call returns.
func waitForInterrupt(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}
}

var (
	callTarget  string
	callMethod  string
	callPayload string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a method on another service and print its result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		b, cleanup, err := openBus(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		peer, err := b.Connect(ctx, callTarget)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", callTarget, err)
		}
		defer peer.Close()

		params, err := parsePayload(callPayload)
		if err != nil {
			return err
		}

		var result any
		if err := peer.Call(ctx, callMethod, params, &result); err != nil {
			return fmt.Errorf("calling %s.%s: %w", callTarget, callMethod, err)
		}
		return printValue(result)
	},
}

var (
	emitSignalName string
	emitPayload    string
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Register a signal on this service and emit one value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		b, cleanup, err := openBus(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := b.RegisterSignal(emitSignalName); err != nil {
			return fmt.Errorf("registering signal %s: %w", emitSignalName, err)
		}

		params, err := parsePayload(emitPayload)
		if err != nil {
			return err
		}
		payload, err := bdoc.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding signal payload: %w", err)
		}
		if err := b.EmitSignal(emitSignalName, payload); err != nil {
			return fmt.Errorf("emitting %s: %w", emitSignalName, err)
		}
		fmt.Printf("emitted %s\n", emitSignalName)
		return nil
	},
}

var (
	watchTarget string
	watchState  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a state on another service, printing its value on every change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		connectCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		b, cleanup, err := openBus(connectCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		peer, err := b.Connect(connectCtx, watchTarget)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", watchTarget, err)
		}
		defer peer.Close()

		var initialOut any
		initial, err := peer.Watch(connectCtx, watchState, func(payload bdoc.Value) {
			var v any
			if err := bdoc.Unmarshal(payload, &v); err != nil {
				fmt.Fprintf(os.Stderr, "decoding state update: %v\n", err)
				return
			}
			printValue(v)
		})
		if err != nil {
			return fmt.Errorf("watching %s.%s: %w", watchTarget, watchState, err)
		}
		if err := bdoc.Unmarshal(initial, &initialOut); err != nil {
			return fmt.Errorf("decoding initial state: %w", err)
		}
		if err := printValue(initialOut); err != nil {
			return err
		}

		waitForInterrupt(context.Background())
		return nil
	},
}

var (
	subscribeTarget string
	subscribeSignal string
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to a signal on another service, printing every value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		connectCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		b, cleanup, err := openBus(connectCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		peer, err := b.Connect(connectCtx, subscribeTarget)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", subscribeTarget, err)
		}
		defer peer.Close()

		err = peer.Subscribe(connectCtx, subscribeSignal, func(payload bdoc.Value) {
			var v any
			if err := bdoc.Unmarshal(payload, &v); err != nil {
				fmt.Fprintf(os.Stderr, "decoding signal value: %v\n", err)
				return
			}
			printValue(v)
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s.%s: %w", subscribeTarget, subscribeSignal, err)
		}

		waitForInterrupt(context.Background())
		return nil
	},
}

var inspectTarget string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the methods, signals and states registered on another service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		b, cleanup, err := openBus(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		peer, err := b.Connect(ctx, inspectTarget)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", inspectTarget, err)
		}
		defer peer.Close()

		var data registry.InspectData
		if err := peer.Call(ctx, registry.InspectMethodName, nil, &data); err != nil {
			return fmt.Errorf("inspecting %s: %w", inspectTarget, err)
		}

		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callTarget, "target", "", "service to call")
	callCmd.Flags().StringVar(&callMethod, "method", "", "method name")
	callCmd.Flags().StringVar(&callPayload, "payload", "", "JSON-encoded request payload")
	callCmd.MarkFlagRequired("target")
	callCmd.MarkFlagRequired("method")

	emitCmd.Flags().StringVar(&emitSignalName, "signal", "", "signal name")
	emitCmd.Flags().StringVar(&emitPayload, "payload", "", "JSON-encoded signal payload")
	emitCmd.MarkFlagRequired("signal")

	watchCmd.Flags().StringVar(&watchTarget, "target", "", "service to watch")
	watchCmd.Flags().StringVar(&watchState, "state", "", "state name")
	watchCmd.MarkFlagRequired("target")
	watchCmd.MarkFlagRequired("state")

	subscribeCmd.Flags().StringVar(&subscribeTarget, "target", "", "service to subscribe to")
	subscribeCmd.Flags().StringVar(&subscribeSignal, "signal", "", "signal name")
	subscribeCmd.MarkFlagRequired("target")
	subscribeCmd.MarkFlagRequired("signal")

	inspectCmd.Flags().StringVar(&inspectTarget, "target", "", "service to inspect")
	inspectCmd.MarkFlagRequired("target")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
