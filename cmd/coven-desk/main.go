// ABOUTME: Entry point for the coven-desk gateway client
// ABOUTME: Maintains channels to gateways and handles tool approvals locally

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/desk"
	"github.com/2389/coven-desk/internal/protocol"
)

// version is overridable at build time:
//
//	go build -ldflags "-X main.version=1.2.3" ./cmd/coven-desk
var version = "dev"

const banner = `
                                       _           _
  ___ _____   _____ _ __         __ _ | | ___  ___| | __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' || |/ _ \/ __| |/ /
| (_| (_) \ V /  __/ | | |_____| (_| || |  __/\__ \   <
 \___\___/ \_/ \___|_| |_|      \__,_||_|\___||___/_|\_\
`

// getConfigPath returns the path to the desk config file.
// Priority: COVEN_DESK_CONFIG env var > XDG_CONFIG_HOME/coven-desk/config.yaml > ~/.config/coven-desk/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DESK_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "coven-desk", "config.yaml")
}

// getDataPath returns the path to the desk data directory.
// Priority: XDG_DATA_HOME/coven-desk > ~/.local/share/coven-desk
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-desk")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-desk <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run                        Connect to all registered gateways")
		fmt.Println("  init                       Create a config file and vault interactively")
		fmt.Println("  servers list               List registered gateways")
		fmt.Println("  servers add NAME URL       Register a gateway (token read from stdin)")
		fmt.Println("  servers remove ID          Remove a gateway registration")
		fmt.Println("  token TOKEN                Inspect a gateway credential")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(ctx)
	case "init":
		err = runInit()
	case "servers":
		err = runServers(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, substituting defaults when it does
// not exist yet.
func loadConfig() (*config.Config, error) {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.Default(getDataPath())
		return cfg, nil
	}
	return config.Load(configPath)
}

func runRun(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", getConfigPath())
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Vault:    %s\n", cfg.Vault.Path)
	fmt.Println()

	app, err := desk.New(cfg, desk.Options{Prompter: terminalPrompter{}}, logger)
	if err != nil {
		return err
	}

	if err := unlockInteractive(app); err != nil {
		app.Close()
		return err
	}

	logger.Info("starting coven-desk", "version", version)
	return app.Run(ctx)
}

// unlockInteractive initializes the vault on first run, otherwise prompts
// for the master password until it verifies or the user gives up.
func unlockInteractive(app *desk.App) error {
	if !app.Vault.Initialized() {
		fmt.Println("No vault found. Choose a master password to protect gateway credentials.")
		password, err := promptPassword("Master password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}
		return app.Vault.Init(password)
	}

	for attempt := 0; attempt < 3; attempt++ {
		password, err := promptPassword("Master password: ")
		if err != nil {
			return err
		}
		if err := app.Unlock(password); err == nil {
			return nil
		}
		color.Yellow("Wrong password, try again.")
	}
	return fmt.Errorf("too many failed unlock attempts")
}

// terminalPrompter asks for tool approval on the controlling terminal.
type terminalPrompter struct{}

func (terminalPrompter) Confirm(serverID string, req *protocol.AskUserConfirm) bool {
	yellow := color.New(color.FgYellow, color.Bold)
	yellow.Printf("\nTool approval requested by %s\n", serverID)
	fmt.Printf("  Tool:        %s\n", req.ToolName)
	if req.Description != "" {
		fmt.Printf("  Description: %s\n", req.Description)
	}
	if len(req.Params) > 0 {
		fmt.Printf("  Params:      %s\n", string(req.Params))
	}

	answer := prompt(bufio.NewReader(os.Stdin), "Allow? (yes/no)", "no")
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-desk configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Client Identity ---")
	clientName := prompt(reader, "Client name", "coven-desk")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "desk.db"))
	vaultPath := prompt(reader, "Vault file path", filepath.Join(defaultDataPath, "vault.json"))

	fmt.Println("\n--- Notifications ---")
	desktopStr := prompt(reader, "Desktop notifications?", "yes")
	desktop := strings.ToLower(desktopStr) == "yes" || strings.ToLower(desktopStr) == "y"

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json/color)", "color")

	var cfg strings.Builder
	cfg.WriteString("# coven-desk configuration\n")
	cfg.WriteString("# Generated by coven-desk init\n\n")

	cfg.WriteString("client:\n")
	cfg.WriteString(fmt.Sprintf("  name: %q\n", clientName))
	cfg.WriteString(fmt.Sprintf("  version: %q\n\n", version))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("vault:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", vaultPath))

	cfg.WriteString("channels:\n")
	cfg.WriteString("  read_timeout: \"10s\"\n")
	cfg.WriteString("  configure_timeout: \"30s\"\n")
	cfg.WriteString("  consent_timeout: \"5m\"\n")
	cfg.WriteString("  reconnect_delay: \"1s\"\n")
	cfg.WriteString("  max_reconnect_delay: \"5s\"\n")
	cfg.WriteString("  max_reconnect_attempts: 5\n\n")

	cfg.WriteString("notify:\n")
	cfg.WriteString(fmt.Sprintf("  desktop: %t\n\n", desktop))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.Green("\nWrote %s", outputFile)
	fmt.Println("Next: coven-desk run (the vault is created on first run)")
	return nil
}

func runServers(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: coven-desk servers <list|add|remove>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	app, err := desk.New(cfg, desk.Options{}, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch os.Args[2] {
	case "list":
		return listServers(ctx, app)
	case "add":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: coven-desk servers add NAME URL")
		}
		return addServer(ctx, app, os.Args[3], os.Args[4])
	case "remove":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: coven-desk servers remove ID")
		}
		return removeServer(ctx, app, os.Args[3])
	default:
		return fmt.Errorf("unknown servers subcommand: %s", os.Args[2])
	}
}

func listServers(ctx context.Context, app *desk.App) error {
	servers, err := app.Store.ListServers(ctx)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No servers registered.")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("%-38s %-20s %s\n", "ID", "NAME", "URL")
	for _, rec := range servers {
		fmt.Printf("%-38s %-20s %s\n", rec.ID, rec.DisplayName, rec.URL)
	}
	return nil
}

func addServer(ctx context.Context, app *desk.App, name, url string) error {
	if err := unlockInteractive(app); err != nil {
		return err
	}

	token, err := promptPassword("Gateway token: ")
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is required")
	}

	id, err := app.AddServer(ctx, name, url, token)
	if err != nil {
		return err
	}
	color.Green("Registered %s (%s)", name, id)
	return nil
}

func removeServer(ctx context.Context, app *desk.App, id string) error {
	if err := app.RemoveServer(ctx, id); err != nil {
		return err
	}
	color.Green("Removed %s", id)
	return nil
}

func runToken() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: coven-desk token TOKEN")
	}

	info, err := auth.Inspect(os.Args[2])
	if err != nil {
		return err
	}

	out := map[string]any{
		"subject":   info.Subject,
		"issuedAt":  info.IssuedAt,
		"expiresAt": info.ExpiresAt,
		"expired":   info.Expired(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// prompt reads one line with a default value.
func prompt(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

// promptPassword reads a secret without echo, falling back to plain
// line-reading when stdin is not a terminal.
func promptPassword(label string) (string, error) {
	fmt.Print(label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(secret), nil
	}

	input, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(input), nil
}
