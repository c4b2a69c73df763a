package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/protocol"
)

type connectOptions struct {
	address    string
	target     string
	configPath string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := &connectOptions{}

	root := &cobra.Command{
		Use:   "varwatch",
		Short: "Live variable telemetry for debugger backends",
	}

	root.PersistentFlags().StringVar(&opts.address, "address", "", "backend socket address (host:port)")
	root.PersistentFlags().StringVar(&opts.target, "target", "", "backend command to spawn over stdio")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to watch config file")

	root.AddCommand(
		newWatchCmd(logger, opts),
		newEvalCmd(logger, opts),
		newSetCmd(logger, opts),
		newSendCmd(logger, opts),
	)

	return root
}

// connect dials the backend over the configured transport and returns a
// ready client.
func connect(logger *zap.Logger, opts *connectOptions) (*protocol.Conn, error) {
	switch {
	case opts.address != "":
		transport, err := protocol.NewSocketTransport(opts.address)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", opts.address, err)
		}
		return protocol.NewConn(transport, logger), nil

	case strings.TrimSpace(opts.target) != "":
		parts := strings.Fields(opts.target)
		transport, err := protocol.NewStdioTransport(exec.Command(parts[0], parts[1:]...))
		if err != nil {
			return nil, fmt.Errorf("spawn %s: %w", parts[0], err)
		}
		return protocol.NewConn(transport, logger), nil

	default:
		return nil, fmt.Errorf("either --address or --target is required")
	}
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
