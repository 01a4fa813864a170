package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"minidis/internal/config"
	"minidis/internal/metrics"
	"minidis/internal/server"
)

var (
	flagDir         string
	flagDBFilename  string
	flagPort        int
	flagReplicaOf   string
	flagConfigFile  string
	flagLogLevel    string
	flagMetricsPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "minidis-server",
		Short:         "An in-memory key-value server with primary/replica replication",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&flagDir, "dir", ".", "directory holding the snapshot file")
	flags.StringVar(&flagDBFilename, "dbfilename", "dump.rdb", "snapshot file name")
	flags.IntVar(&flagPort, "port", 6379, "TCP port to listen on")
	flags.StringVar(&flagReplicaOf, "replicaof", "", "run as replica of \"<host> <port>\"")
	flags.StringVar(&flagConfigFile, "config", "", "optional TOML config file")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.IntVar(&flagMetricsPort, "metrics-port", 0, "serve prometheus metrics on this port (0 disables)")

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("server failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd.Flags())
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(cfg.MetricsPort); err != nil {
				logrus.WithError(err).Warn("metrics listener failed")
			}
		}()
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}

// buildConfig layers the optional config file under any flags the user
// set explicitly.
func buildConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if flagConfigFile != "" {
		loaded, err := config.LoadFile(flagConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.Changed("dir") {
		cfg.Dir = flagDir
	}
	if flags.Changed("dbfilename") {
		cfg.DBFilename = flagDBFilename
	}
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("replicaof") {
		cfg.ReplicaOf = flagReplicaOf
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("metrics-port") {
		cfg.MetricsPort = flagMetricsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
