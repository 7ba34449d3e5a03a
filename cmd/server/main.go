package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/server"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

type rootFlags struct {
	configFile string
	logLevel   string
	logFormat  string
	overrides  server.Config
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "gorelay",
		Short: "Real-time message relay over TCP and WebSocket",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := logging.Setup(logging.Options{
				Level:  flags.logLevel,
				Format: flags.logFormat,
				Output: os.Stdout,
			}); err != nil {
				return fmt.Errorf("invalid logging config: %w", err)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level: "+logging.LevelNames())
	pf.StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&flags.overrides.DBPath, "db", "", "SQLite database file path")

	serve := serveCmd(flags)
	rootCmd.AddCommand(serve, importUsersCmd(flags), exportUsersCmd(flags), versionCmd())
	// Running without a subcommand serves.
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("gorelay", "err", err)
		os.Exit(1)
	}
}

// config loads the config file, if any, and applies flags the user set.
func (f *rootFlags) config(cmd *cobra.Command) (server.Config, error) {
	cfg := server.DefaultConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = server.LoadConfigFile(f.configFile); err != nil {
			return cfg, err
		}
	}

	o := f.overrides
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("db", func() { cfg.DBPath = o.DBPath })
	set("control", func() { cfg.ControlAddr = o.ControlAddr })
	set("http", func() { cfg.HTTPAddr = o.HTTPAddr })
	set("data", func() { cfg.DataDir = o.DataDir })
	set("tls", func() { cfg.TLS = o.TLS })
	set("cert", func() { cfg.CertFile = o.CertFile })
	set("key", func() { cfg.KeyFile = o.KeyFile })
	set("seed-file", func() { cfg.SeedFile = o.SeedFile })
	set("auth-timeout", func() { cfg.AuthTimeout = o.AuthTimeout })
	set("queue-size", func() { cfg.QueueSize = o.QueueSize })
	return cfg, nil
}

func serveCmd(flags *rootFlags) *cobra.Command {
	d := server.DefaultConfig()
	o := &flags.overrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.config(cmd)
			if err != nil {
				return err
			}
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("starting gorelay", "version", version.Full())
			return server.New(cfg, server.Dependencies{Store: st}).Run(ctx)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.ControlAddr, "control", d.ControlAddr, "TCP binding address")
	fs.StringVar(&o.HTTPAddr, "http", d.HTTPAddr, "WebSocket and metrics HTTP address (empty to disable)")
	fs.StringVar(&o.DataDir, "data", d.DataDir, "Data directory for generated files")
	fs.BoolVar(&o.TLS, "tls", d.TLS, "Serve the TCP binding over TLS")
	fs.StringVar(&o.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	fs.StringVar(&o.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	fs.StringVar(&o.SeedFile, "seed-file", "", "YAML users file imported on startup")
	fs.DurationVar(&o.AuthTimeout, "auth-timeout", d.AuthTimeout, "Deadline for the first request")
	fs.IntVar(&o.QueueSize, "queue-size", d.QueueSize, "Outbound events buffered per session")
	return cmd
}

func importUsersCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import-users <file>",
		Short: "Create accounts from a users YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config(cmd)
			if err != nil {
				return err
			}
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()

			n, err := server.LoadUsersFromYAML(cmd.Context(), args[0], st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d users\n", n)
			return nil
		},
	}
}

func exportUsersCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export-users",
		Short: "Print every account as users YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.config(cmd)
			if err != nil {
				return err
			}
			st, err := datastore.NewProviderFactory(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()

			data, err := server.ExportUsersYAML(st.NonTx())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gorelay %s\n", version.Full())
		},
	}
}
