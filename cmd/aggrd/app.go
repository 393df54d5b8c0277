package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/aggrd"
	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("AGGRD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "aggrd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg aggrd.Config

	cmd := &cobra.Command{
		Use:           "aggrd",
		Short:         "aggrd is a Lamport-ordered weather aggregation server speaking a line-based text protocol over TCP",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with state under /var/lib/aggrd
  aggrd --state-dir /var/lib/aggrd

  # Faster expiry for testing, metrics scrape endpoint enabled
  aggrd --expire-after 5s --sweep-interval 5s --metrics-listen :9090

  # Environment form
  AGGRD_LISTEN=:4567 AGGRD_STATE_DIR=/var/lib/aggrd aggrd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to aggrd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			}

			server, err := aggrd.NewServer(cfg, aggrd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.aggrd/"+aggrd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", aggrd.DefaultListen, "listen address")
	flags.String("listen-proto", aggrd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", aggrd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("state-dir", aggrd.DefaultStateDir, "directory for the snapshot and the Lamport clock checkpoint")
	flags.Duration("expire-after", aggrd.DefaultExpireAfter, "drop a station's record this long after its last update")
	flags.Duration("sweep-interval", aggrd.DefaultSweepInterval, "expiry sweep cadence")
	flags.Duration("persist-interval", aggrd.DefaultPersistInterval, "snapshot save cadence for dirty state")
	flags.Duration("request-timeout", aggrd.DefaultRequestTimeout, "maximum time a request waits on the processor before a 408 response")
	flags.String("max-payload-bytes", humanizeBytes(aggrd.DefaultMaxPayloadBytes), "maximum PUT payload size")
	flags.String("node-id", "", "node identity used in logs (generated when empty)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("AGGRD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "state-dir",
		"expire-after", "sweep-interval", "persist-interval", "request-timeout",
		"max-payload-bytes", "node-id", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *aggrd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.StateDir = viper.GetString("state-dir")
	cfg.ExpireAfter = viper.GetDuration("expire-after")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.PersistInterval = viper.GetDuration("persist-interval")
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	if maxBytes := viper.GetString("max-payload-bytes"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse max-payload-bytes: %w", err)
		}
		cfg.MaxPayloadBytes = int64(size)
	}
	cfg.NodeID = strings.TrimSpace(viper.GetString("node-id"))
	return nil
}

// humanizeBytes renders with IEC units so the string parses back to the
// same byte count ("1.0MiB" is 1<<20; "1.0MB" would round-trip to 10^6).
func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := aggrd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, aggrd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
