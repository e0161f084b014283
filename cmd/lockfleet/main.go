// lockfleet runs the lock fleet control panel: it keeps a live view of the
// authority's devices and serves it to browsers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/lockfleet/internal/authority"
	"github.com/markus-barta/lockfleet/internal/clock"
	"github.com/markus-barta/lockfleet/internal/config"
	"github.com/markus-barta/lockfleet/internal/conn"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/fleet"
	"github.com/markus-barta/lockfleet/internal/journal"
	"github.com/markus-barta/lockfleet/internal/panel"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	showVersion := flag.BoolP("version", "v", false, "print version and exit")
	showHelp := flag.BoolP("help", "h", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test authority connectivity")
	configPath := flag.StringP("config", "c", os.Getenv("LOCKFLEET_CONFIG"), "path to YAML config file")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("lockfleet %s\n", version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck(*configPath))
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", version).
		Str("authority", cfg.AuthorityURL).
		Str("push", cfg.PushEndpoint()).
		Msg("lockfleet starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("lockfleet failed")
	}
	log.Info().Msg("stopped")
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func newClient(cfg *config.Config, log zerolog.Logger) *authority.HTTPClient {
	return authority.NewClient(authority.ClientConfig{
		Token:             cfg.Token,
		BaseURL:           cfg.AuthorityURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, log)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	bus := events.New(log)

	db, err := journal.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = db.Close() }()
	jrnl := journal.New(db, clk, log)
	detach := jrnl.Attach(bus)
	defer detach()

	client := newClient(cfg, log)
	manager := conn.New(conn.NewWebSocketDialer(cfg.PushEndpoint(), log), bus, clk, conn.Policy{
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
	}, log)

	opts := fleet.DefaultOptions()
	opts.StaleThreshold = cfg.StaleThreshold
	opts.ReconcileInterval = cfg.ReconcileInterval
	f := fleet.New(client, manager, bus, clk, opts, log)

	srv := panel.New(panel.Options{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, f, manager, jrnl, bus, log)

	fleetErr := make(chan error, 1)
	go func() { fleetErr <- f.Run(ctx) }()

	// The fleet subscribes to push events in New, so nothing is missed.
	manager.Connect(cfg.Token)
	defer manager.Disconnect()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
	case err := <-serveErr:
		stop()
		<-fleetErr
		return fmt.Errorf("panel server: %w", err)
	case err := <-fleetErr:
		stop()
		<-serveErr
		return fmt.Errorf("fleet: %w", err)
	}

	if err := <-serveErr; err != nil {
		log.Error().Err(err).Msg("panel shutdown")
	}
	if err := <-fleetErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printUsage() {
	fmt.Printf(`Usage: lockfleet [options]

lockfleet %s - control panel for a fleet of smart locks.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  -c, --config    Path to YAML config file (or LOCKFLEET_CONFIG)
  --check         Validate config and test authority connectivity

Environment variables (override the config file):
  LOCKFLEET_AUTHORITY_URL       Authority HTTP base URL (required)
  LOCKFLEET_TOKEN               Bearer token (required)
  LOCKFLEET_PUSH_URL            Push channel URL (default: <authority>/ws)
  LOCKFLEET_LISTEN              Panel listen address (default: :8080)
  LOCKFLEET_DB_PATH             Journal database path (default: lockfleet.db)
  LOCKFLEET_ALLOWED_ORIGINS     Comma-separated browser origins
  LOCKFLEET_RECONCILE_INTERVAL  Pull interval (default: 10s)
  LOCKFLEET_STALE_THRESHOLD     Offline after this much silence (default: 20s)
  LOCKFLEET_MAX_RETRIES         Reconnect attempts (default: 5)
  LOCKFLEET_RETRY_DELAY         First reconnect delay (default: 1s)
  LOCKFLEET_MAX_RETRY_DELAY     Reconnect delay cap (default: 30s)
  LOCKFLEET_REQUEST_TIMEOUT     Authority request timeout (default: 30s)
  LOCKFLEET_RATE_LIMIT          Authority requests per second (default: 5)
  LOCKFLEET_LOG_LEVEL           Log level: debug, info, warn, error
`, version)
}

func runConfigCheck(path string) int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Authority:   %s\n", cfg.AuthorityURL)
	fmt.Printf("  Push:        %s\n", cfg.PushEndpoint())
	fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	fmt.Printf("  Journal:     %s\n", cfg.DatabasePath)
	fmt.Println()

	fmt.Print("Testing authority connectivity... ")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	devices, err := newClient(cfg, zerolog.Nop()).ListDevices(ctx)
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}

	fmt.Printf("✓ OK (%d devices, latency: %dms)\n", len(devices), latency.Milliseconds())
	return 0
}
