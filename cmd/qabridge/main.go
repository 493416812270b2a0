package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"qabridge/internal/archive"
	"qabridge/internal/backend"
	"qabridge/internal/bus"
	"qabridge/internal/config"
	"qabridge/internal/escalation"
	"qabridge/internal/relay"
	"qabridge/internal/router"
	"qabridge/internal/session"
	"qabridge/internal/transport"
	"qabridge/internal/web"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Environment first so ${VAR} expansion in the config file sees it.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "qabridge",
		Short: "qabridge: WhatsApp to QA-backend bridge",
		Long:  "qabridge relays WhatsApp questions to an HTTP answering backend and routes price escalations through a human sales agent.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.qabridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadOrDefault loads the config file, falling back to defaults when missing.
func loadOrDefault() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge (webhook, router, status page)",
		Long:  "Starts the WhatsApp transport, the message router, and the operator status page. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadOrDefault()
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.General.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	sessionMgr := session.NewManager(events, logger)

	backendClient := backend.NewClient(backend.ClientConfig{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err := backendClient.Healthy(ctx); err != nil {
		logger.Warn("backend unhealthy at startup", "url", cfg.Backend.BaseURL, "err", err)
	} else {
		logger.Info("backend healthy", "url", cfg.Backend.BaseURL)
	}

	var recorder router.Recorder
	var store *archive.SQLiteStore
	if cfg.Archive.Enabled {
		var err error
		store, err = archive.NewSQLiteStore(config.ExpandPath(cfg.Archive.DBPath), logger)
		if err != nil {
			return fmt.Errorf("archive store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	wa := transport.NewCloudAPI(transport.CloudAPIConfig{
		Config: cfg.Transport,
		Events: events,
		Logger: logger,
	})
	// Keep serving on auth failure so the status page shows what went wrong.
	if err := wa.Start(ctx, messageBus); err != nil {
		logger.Error("whatsapp transport not ready", "err", err)
	}
	defer wa.Stop()

	gateway := relay.NewGateway(relay.GatewayConfig{
		Transport:     wa,
		AddressSuffix: cfg.Transport.AddressSuffix,
		Logger:        logger,
	})

	messages := config.LoadMessages(cfg.Sales.MessagesFile, cfg.Sales.EscalationPrefix, logger)

	rtr := router.New(router.Config{
		Backend:       backendClient,
		Relay:         gateway,
		Tracker:       escalation.NewTracker(),
		Recorder:      recorder,
		Bus:           messageBus,
		Events:        events,
		Logger:        logger,
		SalesContact:  cfg.Sales.Contact,
		Prefix:        cfg.Sales.EscalationPrefix,
		Messages:      messages,
		SettlingDelay: time.Duration(cfg.Router.SettlingDelayMs) * time.Millisecond,
		Concurrency:   cfg.Router.Concurrency,
	})
	go rtr.Run(ctx)

	metricsEndpoint := ""
	if cfg.Metrics.Enabled {
		metricsEndpoint = cfg.Metrics.Endpoint
	}
	server := web.NewServer(web.ServerConfig{
		Host:            cfg.Web.Host,
		Port:            cfg.Web.Port,
		Session:         sessionMgr,
		Webhook:         wa.Handler(),
		WebhookPath:     cfg.Transport.WebhookPath,
		MetricsEndpoint: metricsEndpoint,
		Logger:          logger,
		Version:         version,
	})
	webErr := make(chan error, 1)
	go func() {
		webErr <- server.Start(ctx)
	}()

	logger.Info("bridge started. Press Ctrl+C to stop.",
		"sales_contact", cfg.Sales.Contact, "prefix", cfg.Sales.EscalationPrefix)

	select {
	case <-ctx.Done():
	case err := <-webErr:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
	}

	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wa.Stop()
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client := backend.NewClient(backend.ClientConfig{
				BaseURL: cfg.Backend.BaseURL,
				Logger:  logger,
			})
			if err := client.Healthy(ctx); err != nil {
				logger.Info("backend", "url", cfg.Backend.BaseURL, "healthy", false, "err", err)
			} else {
				logger.Info("backend", "url", cfg.Backend.BaseURL, "healthy", true)
			}
			logger.Info("sales", "contact", cfg.Sales.Contact, "prefix", cfg.Sales.EscalationPrefix)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. backend.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. sales.contact 18005551234)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if flat {
				paths := config.ListPaths(sanitized)
				keys := make([]string, 0, len(paths))
				for k := range paths {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%s = %v\n", k, paths[k])
				}
				return nil
			}
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "flat", false, "print dot-notation paths usable with config set")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
