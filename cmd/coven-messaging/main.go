// ABOUTME: Entry point for the coven-messaging service
// ABOUTME: Subcommands to serve, migrate, run a retention sweep, mint tokens and check health

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/config"
	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/retention"
	"github.com/2389/coven-messaging/internal/server"
	"github.com/2389/coven-messaging/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                                                   _
  ___ _____   _____ _ __        _ __ ___   ___  ___ ___  __ _  __ _(_)_ __   __ _
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __/ __|/ _' |/ _' | | '_ \ / _' |
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \__ \ (_| | (_| | | | | | (_| |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/___/\__,_|\__, |_|_| |_|\__, |
                                                              |___/         |___/
`

// getConfigPath returns the path to the messaging config file.
// Priority: COVEN_MESSAGING_CONFIG env var > XDG_CONFIG_HOME/coven/messaging.yaml > ~/.config/coven/messaging.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_MESSAGING_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "messaging.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "messaging.yaml")
}

func usage() {
	fmt.Println("Usage: coven-messaging <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the messaging server")
	fmt.Println("  migrate                        Apply database migrations and print the schema version")
	fmt.Println("  sweep                          Run one retention sweep and print the report")
	fmt.Println("  token --subject ID [--role R]  Mint a bearer token for a user")
	fmt.Println("  health                         Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is normal; any other failure is worth knowing about.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "migrate":
		err = runMigrate(ctx)
	case "sweep":
		err = runSweep(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Presence:  %s\n", cfg.Presence.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Retention: ")
	if cfg.Retention.Enabled {
		cyan.Println(cfg.Retention.Cron)
	} else {
		yellow.Println("disabled")
	}
	if cfg.Notify.NATSURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s\n", cfg.Notify.NATSURL)
	}
	fmt.Println()

	logger.Info("starting coven-messaging",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

// runMigrate opens the database, which applies pending migrations.
func runMigrate(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	fmt.Printf("database %s at schema version %d\n", cfg.Database.Path, v)
	return nil
}

// runSweep runs a single retention sweep outside the server's schedule.
func runSweep(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	enforcer, err := retention.New(s, retention.Config{
		Cron:            cfg.Retention.Cron,
		GraceMultiplier: cfg.Retention.GraceMultiplier,
		AuditRetention:  cfg.Retention.AuditRetention,
	}, metrics.New(), logger)
	if err != nil {
		return err
	}

	report, err := enforcer.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// runToken mints a bearer token signed with the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "user ID to put in the token")
	roles := fs.String("role", "", "comma-separated roles (moderator, admin)")
	expires := fs.Duration("expires", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	var roleList []string
	for r := range strings.SplitSeq(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := verifier.Generate(*subject, roleList, *expires)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	// Make HTTP request to readiness endpoint with context
	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}
