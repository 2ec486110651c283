package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omochice/duplex-bridge/internal/capture"
	"github.com/omochice/duplex-bridge/internal/client"
	"github.com/omochice/duplex-bridge/internal/config"
	"github.com/omochice/duplex-bridge/internal/fetch"
	"github.com/omochice/duplex-bridge/internal/metrics"
	"github.com/omochice/duplex-bridge/internal/transport"
	"github.com/omochice/duplex-bridge/internal/transport/tcp"
	"github.com/omochice/duplex-bridge/internal/transport/ws"
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
	cmd := &cobra.Command{
		Use:   "client <port> <credential>",
		Short: "Connect to a bridge host and answer URL requests",
		Long: `client connects to a bridge host on the given port, authenticates with the
base64 credential the host issued, and answers each chunk it receives by
fetching it as a URL and sending back the response body.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			logger.SetOutput(cmd.ErrOrStderr())
			return run(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().String("config", "", "config file (default is ~/.duplex-bridge/config.yaml)")
	cmd.Flags().String("host", "", "host to connect to")
	cmd.Flags().String("transport", "", "transport: tcp, ws")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().String("capture", "", "record the session to this file")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Duration("read-timeout", 0, "fail the connection if the peer is silent this long (0 = never)")
	cmd.Flags().Duration("linger", 0, "close the connection after this long (0 = wait for the host)")

	return cmd
}

// loadConfig merges the config file, the flags that were set and the
// positional arguments, in that order.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	fs := cmd.Flags()

	path, _ := fs.GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for name, dst := range map[string]*string{
		"host":         &cfg.Host,
		"transport":    &cfg.Transport,
		"log-level":    &cfg.LogLevel,
		"capture":      &cfg.CapturePath,
		"metrics-addr": &cfg.MetricsAddr,
	} {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	for name, dst := range map[string]*config.Duration{
		"read-timeout": &cfg.ReadTimeout,
		"linger":       &cfg.Linger,
	} {
		if fs.Changed(name) {
			dst.Duration, _ = fs.GetDuration(name)
		}
	}

	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	credential, err := cfg.DecodeCredential()
	if err != nil {
		return err
	}

	opts := []client.Option{
		client.WithDialer(dialerFor(cfg.Transport)),
		client.WithTransportOptions(cfg.TransportOptions()...),
		client.WithLogger(logger),
	}

	if cfg.MetricsAddr != "" {
		collector := metrics.New()
		if _, err := collector.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
			return err
		}
		opts = append(opts, client.WithTap(collector))
	}

	if cfg.CapturePath != "" {
		w, err := capture.Create(cfg.CapturePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				logger.WithError(err).Warn("failed to finish capture")
			}
		}()
		opts = append(opts, client.WithTap(w))
	}

	conn := client.New(cfg.Address(), opts...)
	fetcher := fetch.New(conn, fetch.WithLogger(logger))

	if err := conn.Connect(ctx, credential, fetcher.Handle); err != nil {
		return err
	}

	var linger <-chan time.Time
	if cfg.Linger.Duration > 0 {
		timer := time.NewTimer(cfg.Linger.Duration)
		defer timer.Stop()
		linger = timer.C
	}

	select {
	case <-conn.Done():
	case <-linger:
		logger.Debug("linger elapsed")
	case <-ctx.Done():
		logger.Info("interrupted")
	}

	if err := conn.Close(); err != nil && !errors.Is(err, client.ErrAlreadyClosed) {
		logger.WithError(err).Warn("close failed")
	}
	return conn.Wait()
}

func dialerFor(name string) transport.Dialer {
	if name == config.TransportWS {
		return ws.Dialer
	}
	return tcp.Dialer
}
