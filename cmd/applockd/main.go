// ABOUTME: Entry point for applockd, the app-lock decision daemon
// ABOUTME: Subcommands run the daemon, write config and manage protected apps and credentials

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/applockd/internal/config"
	"github.com/2389/applockd/internal/daemon"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _            _       _
  __ _ _ __  _ __ | | ___   ___| | ____| |
 / _' | '_ \| '_ \| |/ _ \ / __| |/ / _' |
| (_| | |_) | |_) | | (_) | (__|   < (_| |
 \__,_| .__/| .__/|_|\___/ \___|_|\_\__,_|
      |_|   |_|
`

// getConfigPath returns the path to the config file.
// Priority: APPLOCKD_CONFIG env var > XDG_CONFIG_HOME/applockd/config.yaml > ~/.config/applockd/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("APPLOCKD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "applockd", "config.yaml")
}

// getDataPath returns the path to the applockd data directory.
// Priority: XDG_DATA_HOME/applockd > ~/.local/share/applockd
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "applockd")
}

// getTokenPath returns the token file written by "applockd token --save".
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func usage() {
	fmt.Println("Usage: applockd <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the daemon")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  protect APP_ID...              Lock the given applications")
	fmt.Println("  unprotect APP_ID...            Stop locking the given applications")
	fmt.Println("  list                           List protected applications and settings")
	fmt.Println("  set-credential KIND            Enroll a pin, pattern or password, or select biometric")
	fmt.Println("  set-idle-timeout DURATION      Set how long an unlock survives leaving the app")
	fmt.Println("  token --role ROLE [--save]     Generate a bearer token (observer, prompter, admin)")
	fmt.Println("  status                         Show the running daemon's engine state")
	fmt.Println("  logout                         Lock every application again")
	fmt.Println("  health                         Check daemon health")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  APPLOCKD_CONFIG                Config file path")
	fmt.Println("  APPLOCKD_DB_PATH               Overrides database.path")
	fmt.Println("  APPLOCKD_TOKEN                 Bearer token for status and logout")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "protect":
		err = runProtect(ctx, args)
	case "unprotect":
		err = runUnprotect(ctx, args)
	case "list":
		err = runList(ctx)
	case "set-credential":
		err = runSetCredential(ctx, args)
	case "set-idle-timeout":
		err = runSetIdleTimeout(ctx, args)
	case "token":
		err = runToken(args)
	case "status":
		err = runStatus(ctx)
	case "logout":
		err = runLogout(ctx)
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

// loadConfig loads the config file, pointing at init when it is missing.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, configPath, fmt.Errorf("no config at %s (run: applockd init)", configPath)
	}
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
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Self app:  %s\n", cfg.Engine.SelfAppID)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting applockd",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	return d.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// generateSecret returns a random base64 JWT secret.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("applockd configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaults := config.Default()
	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "applockd.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", defaults.Server.GRPCAddr)
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Engine Configuration ---")
	selfAppID := prompt(reader, "Locking app identifier", defaults.Engine.SelfAppID)
	method := prompt(reader, "Default credential method (biometric/pin/pattern/password)", defaults.Engine.CredentialMethod)
	idle := prompt(reader, "Default idle timeout", defaults.Engine.IdleTimeout.String())

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if isYes(prompt(reader, "Require bearer tokens?", "yes")) {
		var err error
		if jwtSecret, err = generateSecret(); err != nil {
			return err
		}
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", defaults.Logging.Format)

	var cfg strings.Builder
	cfg.WriteString("# applockd configuration\n")
	cfg.WriteString("# Generated by applockd init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("  transition_retention: \"168h\"\n")
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("engine:\n")
	cfg.WriteString(fmt.Sprintf("  self_app_id: %q\n", selfAppID))
	cfg.WriteString(fmt.Sprintf("  credential_method: %q\n", method))
	cfg.WriteString(fmt.Sprintf("  idle_timeout: %q\n", idle))
	cfg.WriteString(fmt.Sprintf("  settlement_delay: %q\n", defaults.Engine.SettlementDelay.String()))
	cfg.WriteString(fmt.Sprintf("  exit_delay: %q\n", defaults.Engine.ExitDelay.String()))
	cfg.WriteString(fmt.Sprintf("  prompt_timeout: %q\n", defaults.Engine.PromptTimeout.String()))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file may hold the JWT secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Reject typos now rather than at the next serve.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  applockd set-credential pin      # enroll a PIN")
	fmt.Println("  applockd protect com.example.app # lock an app")
	fmt.Println("  applockd serve                   # start the daemon")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
