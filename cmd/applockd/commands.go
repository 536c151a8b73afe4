// ABOUTME: Subcommands that edit the store directly or call the running daemon
// ABOUTME: protect, unprotect, list, set-credential, set-idle-timeout, token, status, logout, health

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/applockd/internal/auth"
	"github.com/2389/applockd/internal/config"
	"github.com/2389/applockd/internal/rpc"
	"github.com/2389/applockd/internal/store"
	"github.com/2389/applockd/internal/verifier"
)

// rpcTimeout bounds unary calls to the daemon.
const rpcTimeout = 10 * time.Second

// openStore opens the database named by the config. APPLOCKD_DB_PATH
// overrides it, as it does for the daemon.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("APPLOCKD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func withStore(fn func(cfg *config.Config, s *store.SQLiteStore) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cfg, s)
}

func runProtect(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: applockd protect APP_ID...")
	}
	return withStore(func(cfg *config.Config, s *store.SQLiteStore) error {
		green := color.New(color.FgGreen)
		for _, appID := range args {
			appID = strings.TrimSpace(appID)
			if appID == "" {
				continue
			}
			if appID == cfg.Engine.SelfAppID {
				return fmt.Errorf("%s is the locking app itself and cannot be protected", appID)
			}
			if err := s.AddProtectedApp(ctx, appID); err != nil {
				return fmt.Errorf("protecting %s: %w", appID, err)
			}
			green.Printf("  ✓ Protected %s\n", appID)
		}
		return nil
	})
}

func runUnprotect(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: applockd unprotect APP_ID...")
	}
	return withStore(func(_ *config.Config, s *store.SQLiteStore) error {
		green := color.New(color.FgGreen)
		yellow := color.New(color.FgYellow)
		for _, appID := range args {
			err := s.RemoveProtectedApp(ctx, appID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				yellow.Printf("  - %s was not protected\n", appID)
			case err != nil:
				return fmt.Errorf("unprotecting %s: %w", appID, err)
			default:
				green.Printf("  ✓ Unprotected %s\n", appID)
			}
		}
		return nil
	})
}

func runList(ctx context.Context) error {
	return withStore(func(cfg *config.Config, s *store.SQLiteStore) error {
		cyan := color.New(color.FgCyan)
		gray := color.New(color.FgHiBlack)

		apps, err := s.ListProtectedApps(ctx)
		if err != nil {
			return fmt.Errorf("listing protected apps: %w", err)
		}

		cyan.Println("  Protected applications")
		cyan.Println("  ----------------------")
		if len(apps) == 0 {
			gray.Println("  (none)")
		}
		for _, app := range apps {
			fmt.Printf("  %-40s", app.AppID)
			gray.Printf(" since %s\n", app.CreatedAt.Local().Format("Jan 02, 2006 15:04"))
		}
		fmt.Println()

		idle, idleSrc := cfg.Engine.IdleTimeout, "config default"
		if d, err := s.IdleTimeout(ctx); err == nil {
			idle, idleSrc = d, "stored"
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading idle timeout: %w", err)
		}

		method, methodSrc := cfg.Engine.CredentialMethod, "config default"
		if m, err := s.CredentialMethod(ctx); err == nil {
			method, methodSrc = m, "stored"
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading credential method: %w", err)
		}

		var enrolled []string
		for _, k := range verifier.Kinds {
			if !k.IsSecret() {
				continue
			}
			if _, err := s.CredentialHash(ctx, string(k)); err == nil {
				enrolled = append(enrolled, string(k))
			}
		}
		sort.Strings(enrolled)

		cyan.Println("  Settings")
		cyan.Println("  --------")
		fmt.Printf("  Idle timeout:      %s", idle)
		gray.Printf(" (%s)\n", idleSrc)
		fmt.Printf("  Credential method: %s", method)
		gray.Printf(" (%s)\n", methodSrc)
		if len(enrolled) == 0 {
			fmt.Println("  Enrolled secrets:  none")
		} else {
			fmt.Printf("  Enrolled secrets:  %s\n", strings.Join(enrolled, ", "))
		}
		return nil
	})
}

// readSecret reads a secret without echo when stdin is a terminal, asking
// twice for confirmation.
func readSecret(kind verifier.Kind) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading %s: %w", kind, err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Printf("New %s: ", kind)
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", kind, err)
	}
	fmt.Printf("Repeat %s: ", kind)
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", kind, err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("%s entries do not match", kind)
	}
	return string(first), nil
}

func runSetCredential(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("set-credential", flag.ContinueOnError)
	secret := fs.String("secret", "", "secret to enroll (read from stdin when omitted)")
	keep := fs.Bool("keep-method", false, "enroll without making KIND the active method")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: applockd set-credential [--secret S] [--keep-method] biometric|pin|pattern|password")
	}
	kind, err := verifier.ParseKind(fs.Arg(0))
	if err != nil {
		return err
	}

	var hash string
	if kind.IsSecret() {
		s := *secret
		if s == "" {
			if s, err = readSecret(kind); err != nil {
				return err
			}
		}
		if hash, err = verifier.HashSecret(kind, s); err != nil {
			return err
		}
	}

	return withStore(func(_ *config.Config, s *store.SQLiteStore) error {
		green := color.New(color.FgGreen)
		if hash != "" {
			if err := s.SetCredentialHash(ctx, string(kind), hash); err != nil {
				return fmt.Errorf("storing %s: %w", kind, err)
			}
			green.Printf("  ✓ Enrolled %s\n", kind)
		}
		if !*keep {
			if err := s.SetCredentialMethod(ctx, string(kind)); err != nil {
				return fmt.Errorf("setting credential method: %w", err)
			}
			green.Printf("  ✓ Credential method: %s\n", kind)
		}
		return nil
	})
}

func runSetIdleTimeout(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: applockd set-idle-timeout DURATION (e.g. 30s, 5m, 0)")
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", args[0], err)
	}
	return withStore(func(_ *config.Config, s *store.SQLiteStore) error {
		if err := s.SetIdleTimeout(ctx, d); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Idle timeout: %s\n", d)
		return nil
	})
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", string(auth.RoleAdmin), "observer, prompter or admin")
	subject := fs.String("subject", "", "token subject (defaults to the role)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	save := fs.Bool("save", false, "write the token next to the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; tokens are not needed")
	}
	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	sub := *subject
	if sub == "" {
		sub = *role
	}
	tok, err := issuer.Generate(sub, auth.Role(*role), *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if !*save {
		fmt.Println(tok)
		return nil
	}
	tokenPath := getTokenPath()
	if err := os.WriteFile(tokenPath, []byte(tok), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Saved %s token: %s (expires %s)\n",
		*role, tokenPath, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	return nil
}

// getToken returns APPLOCKD_TOKEN or the saved token file.
func getToken() string {
	if tok := os.Getenv("APPLOCKD_TOKEN"); tok != "" {
		return tok
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func dialDaemon() (*rpc.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return rpc.Dial(cfg.Server.GRPCAddr, getToken())
}

func runStatus(ctx context.Context) error {
	c, err := dialDaemon()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Println("  Engine")
	cyan.Println("  ------")
	fmt.Printf("  Foreground:        %v\n", st["foreground"])
	fmt.Printf("  Idle timeout:      %v\n", st["idle_timeout"])
	fmt.Printf("  Credential method: %v\n", st["credential_method"])
	fmt.Printf("  Queue depth:       %v\n", st["queue_depth"])
	fmt.Println()

	cyan.Println("  Machines")
	cyan.Println("  --------")
	machines, _ := st["machines"].([]any)
	if len(machines) == 0 {
		gray.Println("  (all idle)")
	}
	for _, m := range machines {
		row, _ := m.(map[string]any)
		fmt.Printf("  %-40s %-14v", row["app_id"], row["state"])
		gray.Printf(" epoch %v\n", row["epoch"])
	}
	fmt.Println()

	cyan.Println("  Sessions")
	cyan.Println("  --------")
	sessions, _ := st["sessions"].([]any)
	if len(sessions) == 0 {
		gray.Println("  (none)")
	}
	for _, s := range sessions {
		data, err := json.Marshal(s)
		if err != nil {
			continue
		}
		fmt.Printf("  %s\n", data)
	}
	return nil
}

func runLogout(ctx context.Context) error {
	c, err := dialDaemon()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if err := c.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	color.New(color.FgGreen).Println("  ✓ All applications locked")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
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
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
