package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"qabridge/internal/backend"
	"qabridge/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your qabridge installation",
		Long: `Verifies that qabridge's configuration, backend, transport credentials,
and archive database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("qabridge Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'qabridge init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Backend reachable
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client := backend.NewClient(backend.ClientConfig{
				BaseURL: cfg.Backend.BaseURL,
				Logger:  logger,
			})
			if err := client.Healthy(ctx); err != nil {
				printWarn("Backend", fmt.Sprintf("%s unreachable: %v", cfg.Backend.BaseURL, err))
				warned++
			} else {
				printPass("Backend", cfg.Backend.BaseURL)
				passed++
			}

			// 4. Sales contact configured
			if cfg.Sales.Contact == "" {
				printFail("Sales contact", "not configured")
				failed++
			} else {
				printPass("Sales contact", cfg.Sales.Contact)
				passed++
			}

			// 5. Transport credentials
			if cfg.Transport.AccessToken == "" || cfg.Transport.PhoneNumberID == "" {
				printFail("Transport", "accessToken or phoneNumberId missing")
				failed++
			} else {
				if err := checkGraphAPI(ctx, cfg.Transport.AccessToken, cfg.Transport.PhoneNumberID); err != nil {
					printWarn("Transport", err.Error())
					warned++
				} else {
					printPass("Transport", "credentials valid")
					passed++
				}
			}
			if cfg.Transport.AppSecret == "" {
				printWarn("Webhook signature", "appSecret empty, signature checks disabled")
				warned++
			} else {
				printPass("Webhook signature", "enabled")
				passed++
			}

			// 6. Archive database writable
			if cfg.Archive.Enabled {
				dbPath := config.ExpandPath(cfg.Archive.DBPath)
				if err := checkDatabase(dbPath); err != nil {
					printFail("Archive database", err.Error())
					failed++
				} else {
					printPass("Archive database", dbPath)
					passed++
				}
			}

			// 7. Web port
			port := cfg.Web.Port
			if port == 0 {
				port = 3000
			}
			if err := checkPort(port); err != nil {
				printWarn("Web port", fmt.Sprintf("port %d may be in use: %v", port, err))
				warned++
			} else {
				printPass("Web port", fmt.Sprintf(":%d available", port))
				passed++
			}

			// 8. Messages file readable
			if cfg.Sales.MessagesFile != "" {
				if _, err := os.Stat(config.ExpandPath(cfg.Sales.MessagesFile)); err != nil {
					printWarn("Messages file", fmt.Sprintf("not readable: %v", err))
					warned++
				} else {
					printPass("Messages file", cfg.Sales.MessagesFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running qabridge.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nqabridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! qabridge is ready to run.\n")
			}
			return nil
		},
	}
}

func checkGraphAPI(ctx context.Context, token, phoneNumberID string) error {
	url := fmt.Sprintf("https://graph.facebook.com/v21.0/%s", phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("access token rejected (%d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph API returned %d", resp.StatusCode)
	}
	return nil
}

func checkDatabase(dbPath string) error {
	dir := dbPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' || dir[i] == '\\' {
			dir = dir[:i]
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
