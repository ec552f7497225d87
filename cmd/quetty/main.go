// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/dawidpereira/quetty/auth"
	"github.com/dawidpereira/quetty/bulk"
	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/config"
	"github.com/dawidpereira/quetty/secrets"
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/servicebus/mock"
	"github.com/dawidpereira/quetty/session"
	"github.com/dawidpereira/quetty/tasks"
	"github.com/dawidpereira/quetty/tui"
	"golang.org/x/term"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to a configuration file (overrides the profile's config.toml)")
	profileName := flag.String("profile", "default", "Configuration profile to use")
	demo := flag.Bool("demo", false, "Run against an in-memory broker with sample data")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("quetty", version)
		return
	}

	if err := run(*configPath, *profileName, *demo); err != nil {
		fmt.Fprintln(os.Stderr, "quetty:", err)
		os.Exit(1)
	}
}

func run(configPath, profileName string, demo bool) error {
	bootstrap, err := config.LoadBootstrap()
	if err != nil {
		return err
	}
	if bootstrap.Profile != "" {
		profileName = bootstrap.Profile
	}

	profile, err := config.ResolveProfile(profileName)
	if err != nil {
		return err
	}
	if err := profile.LoadEnv(); err != nil {
		return err
	}

	// Explicit CLI path wins; QUETTY_CONFIG_PATH is the legacy bypass of
	// the profile system.
	override := configPath
	if override == "" {
		override = bootstrap.ConfigPath
	}
	cfg, err := profile.LoadConfig(override)
	if err != nil {
		// Configuration errors at startup are fatal.
		return err
	}
	if bootstrap.LogLevel != "" {
		cfg.Logging.Level = bootstrap.LogLevel
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("starting quetty",
		"version", version,
		"profile", profile.Name,
		"auth_method", string(cfg.Auth.Method),
		"page_size", cfg.PageSize)

	keys, err := config.LoadKeyMap(profile.KeysPath())
	if err != nil {
		slog.Warn("keybinding overrides ignored", "error", err)
	}

	store := secrets.NewStore(nil)
	defer store.Zero()
	if err := unlockSecrets(cfg, store); err != nil {
		return err
	}

	events := bus.New(bus.DefaultCapacity)
	reporter := bus.NewReporter(events, logger)

	client, mgmt, err := buildBroker(cfg, store, events, logger, demo)
	if err != nil {
		return err
	}

	actor := session.New(client, mgmt, session.Config{
		PollTimeout:   cfg.PollTimeout(),
		StatsCacheTTL: cfg.StatsCacheTTL(),
	}, logger)
	defer actor.Close()

	engine := bulk.NewEngine(actor, bulk.Limits{
		MaxBatchSize:         cfg.MaxBatchSize,
		MaxMessagesToProcess: cfg.MaxMessagesToProcess,
		MaxAttempts:          cfg.DLQMaxAttempts,
		RetryDelay:           cfg.DLQRetryDelay(),
		ReceiveTimeout:       cfg.DLQReceiveTimeout(),
		SendTimeout:          cfg.DLQSendTimeout(),
		OperationTimeout:     cfg.OperationTimeout(),
	}, events, logger)

	runner := tasks.NewRunner(events, reporter, logger, 8)
	defer runner.Shutdown()

	// Runtime edits to the profile TOML are warnings with a fallback to
	// the previous configuration; only a restart picks structural changes
	// up fully.
	watcher, err := config.NewWatcher(profile.ConfigPath(), cfg, logger, nil, func(err error) {
		reporter.Warning(bus.Report{
			Component: "config",
			Operation: "reload",
			Details:   err,
		})
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	return tui.Run(tui.Deps{
		Config:   cfg,
		Keys:     keys,
		Actor:    actor,
		Engine:   engine,
		Runner:   runner,
		Events:   events,
		Reporter: reporter,
		Mgmt:     mgmt,
		Logger:   logger,
	})
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// The alt-screen TUI owns stdout; logs default to stderr and usually
	// go to a file.
	out := os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler), closeFn, nil
}

// unlockSecrets prompts for the master password when any encrypted
// credential is configured, retrying up to the configured attempt cap.
func unlockSecrets(cfg *config.Config, store *secrets.Store) error {
	if !secrets.ContainsEncrypted(nil) {
		return nil
	}

	for attempt := 1; ; attempt++ {
		fmt.Fprintf(os.Stderr, "Master password (attempt %d/%d): ", attempt, cfg.PasswordAttempts)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password := string(raw)

		err = store.Unlock(secrets.KindConnectionString, password)
		if err == nil {
			err = store.Unlock(secrets.KindClientSecret, password)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, secrets.ErrInvalidPassword) && attempt < cfg.PasswordAttempts {
			fmt.Fprintln(os.Stderr, "Invalid password.")
			continue
		}
		return err
	}
}

// buildBroker assembles the data-plane client and the management surface
// for the selected auth method.
func buildBroker(cfg *config.Config, store *secrets.Store, events *bus.Bus, logger *slog.Logger, demo bool) (servicebus.Client, servicebus.Management, error) {
	if demo {
		broker := mock.New()
		seedDemo(broker)
		return broker, broker, nil
	}

	switch cfg.Auth.Method {
	case config.AuthAzureAD:
		provider, err := azureProvider(cfg, store, events, logger)
		if err != nil {
			return nil, nil, err
		}

		namespace := cfg.AzureAd.Namespace
		client, err := servicebus.NewAzureClient(namespace+".servicebus.windows.net", provider)
		if err != nil {
			return nil, nil, err
		}
		mgmt := servicebus.NewManagementClient(servicebus.ManagementConfig{
			SubscriptionID: cfg.AzureAd.SubscriptionID,
			ResourceGroup:  cfg.AzureAd.ResourceGroup,
			Namespace:      namespace,
		}, provider)
		return client, mgmt, nil

	default:
		connLookup := func() string {
			if conn := store.Get(secrets.KindConnectionString); conn != "" {
				return conn
			}
			return os.Getenv("SERVICEBUS__CONNECTION_STRING")
		}
		conn := connLookup()
		if conn == "" {
			return nil, nil, errors.New("no connection string configured; set SERVICEBUS__CONNECTION_STRING or its encrypted form")
		}

		parsed, err := auth.ParseConnectionString(conn)
		if err != nil {
			return nil, nil, err
		}
		client, err := servicebus.NewAzureClientFromConnectionString(conn)
		if err != nil {
			return nil, nil, err
		}

		// The namespace's own Atom surface serves discovery and statistics
		// here, authorized by locally signed SAS tokens; no ARM bearer
		// token exists under connection-string auth.
		provider := auth.NewProvider(auth.NewSASFlow(connLookup), logger)
		mgmt := servicebus.NewSASManagement(parsed.Namespace(), provider)
		return client, mgmt, nil
	}
}

func azureProvider(cfg *config.Config, store *secrets.Store, events *bus.Bus, logger *slog.Logger) (*auth.Provider, error) {
	switch cfg.AzureAd.AuthMethod {
	case config.FlowClientSecret:
		flow, err := auth.NewClientCredentialsFlow(cfg.AzureAd, func() string {
			if secret := store.Get(secrets.KindClientSecret); secret != "" {
				return secret
			}
			return os.Getenv("AZURE_AD__CLIENT_SECRET")
		})
		if err != nil {
			return nil, err
		}
		return auth.NewProvider(flow, logger), nil

	default:
		flow, err := auth.NewDeviceCodeFlow(cfg.AzureAd, events, logger)
		if err != nil {
			return nil, err
		}
		return auth.NewProvider(flow, logger), nil
	}
}

// seedDemo fills the in-memory broker with browsable sample traffic.
func seedDemo(broker *mock.Broker) {
	orders := servicebus.MainQueue("orders")
	for i := 1; i <= 35; i++ {
		broker.Seed(orders, fmt.Sprintf(`{"order_id":%d,"status":"pending","total":%d.50}`, 1000+i, i*7))
	}

	payments := servicebus.MainQueue("payments")
	for i := 1; i <= 8; i++ {
		broker.Seed(payments, fmt.Sprintf(`{"payment_id":"p-%03d","amount":%d}`, i, i*120))
	}

	dlq := servicebus.DeadLetterQueue("orders")
	broker.SeedMessages(dlq, servicebus.Message{
		ID:                    "poison-1",
		Body:                  []byte(`{"order_id":666,"malformed":`),
		DeadLetterReason:      "DeserializationFailure",
		DeadLetterDescription: "payload is not valid JSON",
	}, servicebus.Message{
		ID:                    "poison-2",
		Body:                  []byte(strings.Repeat(`{"big":"payload"}`, 3)),
		DeadLetterReason:      "MaxDeliveryCountExceeded",
		DeadLetterDescription: "delivery count exceeded 10",
	})
}
