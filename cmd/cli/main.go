// Command trustlock is a small CLI client for the storage-audit HTTP API.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/trustlock/storage-audit/internal/audit"
)

type cliConfig struct {
	BaseURL      string `json:"base_url"`
	ServiceToken string `json:"service_token"`
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".trustlock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "cli_config.json"), nil
}

func loadConfig() (*cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cliConfig{BaseURL: "http://localhost:9000"}, nil
		}
		return nil, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:9000"
	}
	return &cfg, nil
}

func saveConfig(cfg *cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func request(cfg *cliConfig, method, path string, body any) (map[string]any, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Service-Token", cfg.ServiceToken)

	resp, err := client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Array responses (audit read) fall through to the caller raw.
		out = map[string]any{"raw": string(raw)}
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	return out, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func main() {
	root := &cobra.Command{
		Use:   "trustlock",
		Short: "Client for the trustlock storage-audit service",
	}

	// config
	var baseURL, token string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Store API base URL and service token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.BaseURL = baseURL
			}
			if token != "" {
				cfg.ServiceToken = token
			}
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Printf("saved: base_url=%s\n", cfg.BaseURL)
			return nil
		},
	}
	configCmd.Flags().StringVar(&baseURL, "base-url", "", "API base URL")
	configCmd.Flags().StringVar(&token, "token", "", "service token")

	// upload
	uploadCmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file to the content-addressed store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := request(cfg, http.MethodPost, "/store/upload", map[string]any{
				"file_base64": base64.StdEncoding.EncodeToString(data),
				"filename":    filepath.Base(args[0]),
			})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	// audit
	auditCmd := &cobra.Command{Use: "audit", Short: "Audit log operations"}

	var actor, action, payloadStr, prevHash string
	appendCmd := &cobra.Command{
		Use:   "append <audit-id>",
		Short: "Append an entry to an audit stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var payload any
			if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
				return fmt.Errorf("payload must be valid JSON: %w", err)
			}
			out, err := request(cfg, http.MethodPost, "/audit/append", map[string]any{
				"audit_id":  args[0],
				"actor":     actor,
				"action":    action,
				"payload":   payload,
				"prev_hash": prevHash,
			})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	appendCmd.Flags().StringVar(&actor, "actor", "cli", "entry actor")
	appendCmd.Flags().StringVar(&action, "action", "", "entry action")
	appendCmd.Flags().StringVar(&payloadStr, "payload", "{}", "entry payload as JSON")
	appendCmd.Flags().StringVar(&prevHash, "prev-hash", "", "log_hash of the stream's latest entry")
	appendCmd.MarkFlagRequired("action")

	readCmd := &cobra.Command{
		Use:   "read <audit-id>",
		Short: "Read an audit stream in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := request(cfg, http.MethodGet, "/audit/read/"+args[0], nil)
			if err != nil {
				return err
			}
			if raw, ok := out["raw"].(string); ok {
				fmt.Println(raw)
				return nil
			}
			printJSON(out)
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <audit-id>",
		Short: "Verify an audit stream's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := request(cfg, http.MethodGet, "/audit/verify/"+args[0], nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	newIDCmd := &cobra.Command{
		Use:   "new-id",
		Short: "Generate a fresh audit stream ID",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(audit.NewAuditID(""))
		},
	}

	auditCmd.AddCommand(appendCmd, readCmd, verifyCmd, newIDCmd)

	// merkle
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Build and persist a Merkle snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := request(cfg, http.MethodPost, "/merkle/snapshot", nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	latestCmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the latest Merkle snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := request(cfg, http.MethodGet, "/merkle/latest", nil)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	root.AddCommand(configCmd, uploadCmd, auditCmd, snapshotCmd, latestCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
