// ABOUTME: Entry point for the fleet-hub telemetry server.
// ABOUTME: Subcommands: serve, init, health, fleet.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/opsentrix/fleet-hub/internal/config"
	"github.com/opsentrix/fleet-hub/internal/hub"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _        _           _
 / _| | ___  ___| |_     | |__  _   _| |__
| |_| |/ _ \/ _ \ __|____| '_ \| | | | '_ \
|  _| |  __/  __/ ||_____| | | | |_| | |_) |
|_| |_|\___|\___|\__|    |_| |_|\__,_|_.__/
`

// getConfigPath returns the hub config file path.
// Priority: FLEETHUB_CONFIG env var > XDG_CONFIG_HOME/fleet-hub/hub.yaml > ~/.config/fleet-hub/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEETHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet-hub", "hub.yaml")
}

// getDataPath returns the hub data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fleet-hub")
}

func main() {
	// Local .env is optional; config values reference env vars via ${VAR}.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the telemetry hub")
		fmt.Println("  init    Create a new config file interactively")
		fmt.Println("  health  Check hub health")
		fmt.Println("  fleet   List fleet agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "fleet":
		err = runFleet(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Alerts.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Alerts:   smtp %s\n", cfg.Alerts.SMTPAddr)
	}
	if cfg.Insights.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Insights: %s\n", cfg.Insights.Model)
	}
	fmt.Println()

	logger.Info("starting fleet-hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	return h.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		})
	}

	return slog.New(handler)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

func runFleet(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/fleet", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fleet query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var fleet struct {
		Agents []struct {
			AgentID       string    `json:"agent_id"`
			Name          string    `json:"name"`
			Status        string    `json:"status"`
			CPU           float64   `json:"cpu"`
			Memory        float64   `json:"memory"`
			Disk          float64   `json:"disk"`
			LastHeartbeat time.Time `json:"last_heartbeat"`
		} `json:"agents"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(body, &fleet); err != nil {
		return fmt.Errorf("decoding fleet response: %w", err)
	}

	if fleet.Total == 0 {
		fmt.Println("No agents connected.")
		return nil
	}

	fmt.Printf("%-20s %-16s %-8s %6s %6s %6s  %s\n",
		"AGENT", "NAME", "STATUS", "CPU%", "MEM%", "DISK%", "LAST HEARTBEAT")
	for _, a := range fleet.Agents {
		fmt.Printf("%-20s %-16s %-8s %6.1f %6.1f %6.1f  %s\n",
			a.AgentID, a.Name, a.Status, a.CPU, a.Memory, a.Disk,
			a.LastHeartbeat.Local().Format("15:04:05"))
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleet-hub configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "hub.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Agent Configuration ---")
	agentToken := prompt(reader, "Agent token (env var reference allowed)", "${FLEETHUB_AGENT_TOKEN}")

	fmt.Println("\n--- Alerting Configuration ---")
	enableAlerts := prompt(reader, "Enable email alerts?", "no")
	alertsEnabled := strings.ToLower(enableAlerts) == "yes" || strings.ToLower(enableAlerts) == "y"

	var smtpAddr, smtpUser, from string
	if alertsEnabled {
		smtpAddr = prompt(reader, "SMTP address (host:port)", "localhost:587")
		smtpUser = prompt(reader, "SMTP username", "")
		from = prompt(reader, "From address", "fleet-hub@localhost")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# fleet-hub configuration\n")
	cfg.WriteString("# Generated by fleet-hub init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  agent_token: \"%s\"\n", agentToken))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  scan_interval: \"5s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"10s\"\n")
	cfg.WriteString("  command_timeout: \"30s\"\n")
	cfg.WriteString("  checkpoint_interval: \"2h\"\n")
	cfg.WriteString("  process_checkpoint_interval: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("alerts:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", alertsEnabled))
	if alertsEnabled {
		cfg.WriteString(fmt.Sprintf("  smtp_addr: \"%s\"\n", smtpAddr))
		if smtpUser != "" {
			cfg.WriteString(fmt.Sprintf("  smtp_username: \"%s\"\n", smtpUser))
			cfg.WriteString("  smtp_password: \"${FLEETHUB_SMTP_PASSWORD}\"\n")
		}
		cfg.WriteString(fmt.Sprintf("  from: \"%s\"\n", from))
	}
	cfg.WriteString("\n")

	cfg.WriteString("insights:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString("  model: \"gpt-4o-mini\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the hub:")
	fmt.Printf("  fleet-hub serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
