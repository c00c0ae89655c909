package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initSender    string
	initOutput    string
	initAPIKey    string
	initDataDir   string
	initTimezone  string
	initGenerator string
	initTransport string
	initPerHour   int
	initPerDay    int
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize outreach configuration",
	Long: `Interactive wizard to create an outreach configuration file.

Examples:
  # Interactive mode - prompts for missing values
  outreach init

  # Non-interactive
  outreach init --sender "Sam" --generator gemini --transport webhook

  # Quick local setup
  outreach init --sender "Sam" --generator static --transport sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initSender, "sender", "", "Sender display name used in signatures")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/outreach", "Data directory for the database")
	initCmd.Flags().StringVar(&initTimezone, "timezone", "UTC", "IANA timezone for daily budget boundaries")
	initCmd.Flags().StringVar(&initGenerator, "generator", "static", "Message generator: static, gemini, ollama")
	initCmd.Flags().StringVar(&initTransport, "transport", "sandbox", "Delivery transport: sandbox, webhook, smtp")
	initCmd.Flags().IntVar(&initPerHour, "max-per-hour", 5, "Maximum messages per hour")
	initCmd.Flags().IntVar(&initPerDay, "max-per-day", 20, "Maximum messages per day")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Outreach Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	if initSender == "" {
		initSender = prompt(reader, "Sender display name", "")
		if initSender == "" {
			return fmt.Errorf("sender name is required")
		}
	}

	if !cmd.Flags().Changed("data-dir") {
		initDataDir = prompt(reader, "Data directory", initDataDir)
	}
	if !cmd.Flags().Changed("generator") {
		initGenerator = prompt(reader, "Generator (static, gemini, ollama)", initGenerator)
	}
	if !cmd.Flags().Changed("transport") {
		initTransport = prompt(reader, "Transport (sandbox, webhook, smtp)", initTransport)
	}

	switch initGenerator {
	case "static", "gemini", "ollama":
	default:
		return fmt.Errorf("unknown generator: %s", initGenerator)
	}
	switch initTransport {
	case "sandbox", "webhook", "smtp":
	default:
		return fmt.Errorf("unknown transport: %s", initTransport)
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	var generator string
	switch initGenerator {
	case "gemini":
		generator = `generator:
  provider: gemini
  default_model: "gemini-1.5-flash"
  timeout: 30s
  # Set OUTREACH_GEMINI_API_KEY in the environment or env_file`
	case "ollama":
		generator = `generator:
  provider: ollama
  default_model: "llama3"
  ollama_base_url: "http://localhost:11434"
  timeout: 60s`
	default:
		generator = `generator:
  provider: static
  static_templates:
    - "I came across your profile and wanted to say hello."
    - "Your work caught my eye and I would love to connect."`
	}

	var transport string
	switch initTransport {
	case "webhook":
		transport = `delivery:
  transport: webhook
  webhook:
    url: "https://example.com/hooks/outreach"
    timeout: 30s
    # Set OUTREACH_WEBHOOK_TOKEN in the environment or env_file`
	case "smtp":
		transport = `delivery:
  transport: smtp
  smtp:
    host: "smtp.example.com"
    port: 587
    security: starttls
    from: "outreach@example.com"
    from_name: "` + initSender + `"
    subject: "Hello from ` + initSender + `"
    # Set OUTREACH_SMTP_PASSWORD in the environment or env_file
    dkim:
      enabled: false
      selector: "outreach"
      domain: "example.com"
      key_file: "` + filepath.Join(initDataDir, "dkim.key") + `"`
	default:
		transport = `delivery:
  transport: sandbox
  sandbox:
    simulate_errors: false`
	}

	return fmt.Sprintf(`# Outreach configuration
# Generated by: outreach init

server:
  hostname: "outreach"
  # env_file: "%s"  # optional .env with OUTREACH_* secrets

api:
  enabled: true
  listen_addr: ":8080"
  api_key: "%s"
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

storage:
  path: "%s"

logging:
  level: "info"
  format: "json"

metrics:
  enabled: false
  listen_addr: ":9090"
  path: "/metrics"

automation:
  enabled: false
  max_per_hour: %d
  max_per_day: %d
  min_delay: 45s
  cooldown: 24h
  sender_display_name: "%s"
  timezone: "%s"

targeting:
  countries: []
  interests: []

recipients:
  import_file: "%s"
  import_on_start: false

%s

%s
`,
		filepath.Join(initDataDir, ".env"),
		initAPIKey,
		filepath.Join(initDataDir, "outreach.db"),
		initPerHour, initPerDay,
		initSender,
		initTimezone,
		filepath.Join(initDataDir, "recipients.json"),
		generator,
		transport,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Import recipients:")
	fmt.Printf("   outreach recipients import recipients.json -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   outreach serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Enable automation:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/scheduler/start \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\"\n", initAPIKey)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
