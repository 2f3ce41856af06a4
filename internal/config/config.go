package config

import (
	"errors"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
	"io/fs"
	"os"
	"time"
)

const envPrefix = "TERMDESK"

// Settings are resolved in the following order, each step overriding the previous one:
// built-in defaults, an optional YAML file, the environment (including a .env file)
// and finally explicitly specified command-line flags.
//
// Environment variables are always prefixed, e.g. TERMDESK_LOG_LEVEL, so that
// unrelated variables like LOG_LEVEL in a container never leak into the settings.
type Settings struct {
	Listen         string   `split_words:"true" yaml:"listen"`
	LogLevel       string   `split_words:"true" yaml:"log_level"`
	AllowedOrigins []string `split_words:"true" yaml:"allowed_origins"`
	GCPProjectID   string   `split_words:"true" yaml:"gcp_project_id"`

	// Empty means that session metadata is only kept in memory
	DatabasePath    string        `split_words:"true" yaml:"database_path"`
	RecordRetention time.Duration `split_words:"true" yaml:"record_retention"`
	JanitorSchedule string        `split_words:"true" yaml:"janitor_schedule"`

	// Shell command line, e.g. "/bin/bash --noprofile", empty means auto-detect
	ShellCommand      string        `split_words:"true" yaml:"shell"`
	DrainWindow       time.Duration `split_words:"true" yaml:"drain_window"`
	DrainPollInterval time.Duration `split_words:"true" yaml:"drain_poll_interval"`

	MessageRate  float64 `split_words:"true" yaml:"message_rate"`
	MessageBurst int     `split_words:"true" yaml:"message_burst"`
}

func Defaults() Settings {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Settings{
		Listen:            fmt.Sprintf(":%s", port),
		LogLevel:          "info",
		RecordRetention:   7 * 24 * time.Hour,
		JanitorSchedule:   "@every 1h",
		DrainWindow:       500 * time.Millisecond,
		DrainPollInterval: 100 * time.Millisecond,
		MessageRate:       20,
		MessageBurst:      40,
	}
}

// Load resolves the settings from the defaults, the YAML file at path (if not empty),
// the dotenv files and the environment.
func Load(path string, dotenvFiles ...string) (Settings, error) {
	settings := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return settings, fmt.Errorf("failed to read config file %q: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &settings); err != nil {
			return settings, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}

	for _, dotenvFile := range dotenvFiles {
		// godotenv never overrides the variables that are already set
		if err := godotenv.Load(dotenvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return settings, fmt.Errorf("failed to load %q: %w", dotenvFile, err)
		}
	}

	if err := envconfig.Process(envPrefix, &settings); err != nil {
		return settings, fmt.Errorf("failed to process environment: %w", err)
	}

	return settings, settings.Validate()
}

func (settings Settings) Validate() error {
	if settings.DrainWindow <= 0 {
		return fmt.Errorf("drain window should be positive, got %s", settings.DrainWindow)
	}

	if settings.DrainPollInterval <= 0 {
		return fmt.Errorf("drain poll interval should be positive, got %s", settings.DrainPollInterval)
	}

	if settings.MessageRate < 0 || settings.MessageBurst < 0 {
		return fmt.Errorf("message rate and burst should not be negative")
	}

	_, err := settings.ShellArgv()

	return err
}

// ShellArgv splits the shell command line the same way a POSIX shell would.
func (settings Settings) ShellArgv() ([]string, error) {
	if settings.ShellCommand == "" {
		return nil, nil
	}

	argv, err := shellquote.Split(settings.ShellCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shell command %q: %w", settings.ShellCommand, err)
	}

	return argv, nil
}
