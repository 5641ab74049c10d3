package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	// PollInterval is the WaitForResume fallback poll cadence.
	PollInterval time.Duration
	// CheckpointRetention is how long terminal jobs keep their checkpoint
	// blob before the sweep nulls it.
	CheckpointRetention time.Duration
	// CheckpointSweepInterval is how often the daemon runs the sweep.
	CheckpointSweepInterval time.Duration
	// RecoveryPolicy is "report" or "mark-failed".
	RecoveryPolicy string
}

// fileConfig is the optional YAML file shape; every field has an env
// override.
type fileConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	DataDir                 string `yaml:"data_dir"`
	DBPath                  string `yaml:"db_path"`
	PollInterval            string `yaml:"poll_interval"`
	CheckpointRetention     string `yaml:"checkpoint_retention"`
	CheckpointSweepInterval string `yaml:"checkpoint_sweep_interval"`
	RecoveryPolicy          string `yaml:"recovery_policy"`
}

// Load resolves configuration from, in increasing precedence: built-in
// defaults, the YAML file named by AEGIS_CONFIG (if set), a local .env
// file, and process environment variables.
func Load() (Config, error) {
	loadDotEnv(".env")

	var file fileConfig
	if path := os.Getenv("AEGIS_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	dataDir := firstOf(os.Getenv("AEGIS_DATA_DIR"), file.DataDir, "data")
	cfg := Config{
		HTTPAddr:       firstOf(os.Getenv("AEGIS_HTTP_ADDR"), file.HTTPAddr, ":8080"),
		DataDir:        dataDir,
		DBPath:         firstOf(os.Getenv("AEGIS_DB_PATH"), file.DBPath, filepath.Join(dataDir, "aegis.db")),
		RecoveryPolicy: firstOf(os.Getenv("AEGIS_RECOVERY_POLICY"), file.RecoveryPolicy, "report"),
	}

	var err error
	cfg.PollInterval, err = duration(firstOf(os.Getenv("AEGIS_POLL_INTERVAL"), file.PollInterval, "1s"))
	if err != nil {
		return Config{}, fmt.Errorf("poll_interval: %w", err)
	}
	cfg.CheckpointRetention, err = duration(firstOf(os.Getenv("AEGIS_CHECKPOINT_RETENTION"), file.CheckpointRetention, "168h"))
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint_retention: %w", err)
	}
	cfg.CheckpointSweepInterval, err = duration(firstOf(os.Getenv("AEGIS_CHECKPOINT_SWEEP_INTERVAL"), file.CheckpointSweepInterval, "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint_sweep_interval: %w", err)
	}

	return cfg, nil
}

func duration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", v)
	}
	return d, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
