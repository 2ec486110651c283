package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omochice/duplex-bridge/internal/config"
	"github.com/omochice/duplex-bridge/internal/host"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listen           string
		logLevel         string
		logFormat        string
		handshakeTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "host [flags] -- <command> [args...]",
		Short: "Spawn a bridge client and relay stdin lines to it",
		Long: `host listens on a loopback port, spawns the given command with the port
and a one-time base64 key appended to its arguments, and waits for it to
connect. Each line read from stdin is sent to the client; whatever the client
sends back is written to stdout.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.LogLevel = logLevel
			cfg.LogFormat = logFormat
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			logger.SetOutput(cmd.ErrOrStderr())

			return run(cmd.Context(), runOptions{
				listen:           listen,
				handshakeTimeout: handshakeTimeout,
				command:          args,
				stdin:            cmd.InOrStdin(),
				stdout:           cmd.OutOrStdout(),
				logger:           logger,
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 5*time.Second, "drop clients that do not present the key in time")

	return cmd
}

type runOptions struct {
	listen           string
	handshakeTimeout time.Duration
	command          []string
	stdin            io.Reader
	stdout           io.Writer
	logger           logrus.FieldLogger
}

func run(ctx context.Context, opts runOptions) error {
	h, err := host.Listen(opts.listen, func(chunk []byte) {
		_, _ = opts.stdout.Write(chunk)
	}, host.WithLogger(opts.logger), host.WithHandshakeTimeout(opts.handshakeTimeout))
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Spawn(ctx, opts.command[0], opts.command[1:]...); err != nil {
		return err
	}

	childDone := make(chan error, 1)
	go func() {
		childDone <- h.WaitChild()
	}()

	go func() {
		scanner := bufio.NewScanner(opts.stdin)
		for scanner.Scan() {
			if err := h.Send(ctx, append([]byte(scanner.Text()), '\n')); err != nil {
				opts.logger.WithError(err).Warn("failed to forward input")
				return
			}
		}
	}()

	select {
	case <-h.Done():
		return nil
	case err := <-childDone:
		if err != nil {
			return fmt.Errorf("client exited: %w", err)
		}
		// drain what the client sent before exiting
		select {
		case <-h.Ready():
			select {
			case <-h.Done():
			case <-ctx.Done():
			}
		default:
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}
