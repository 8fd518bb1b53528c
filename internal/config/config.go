package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/retention"
	"podmon-k8s/internal/settings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config captures the static runtime settings of the monitor. Monitoring and
// channel blocks seed the runtime settings store on first start.
type Config struct {
	ListenAddr        string              `yaml:"listenAddr"`
	LogLevel          string              `yaml:"logLevel"`
	KubeconfigPath    string              `yaml:"kubeconfig"`
	Storage           StorageConfig       `yaml:"storage"`
	Monitoring        settings.Monitoring `yaml:"monitoring"`
	Notifications     NotificationsConfig `yaml:"notifications"`
	CleanupSchedule   string              `yaml:"cleanupSchedule"`
	AdminPasswordHash string              `yaml:"adminPasswordHash"`
}

// StorageConfig selects the history backend.
type StorageConfig struct {
	// Driver is memory, sqlite3 or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NotificationsConfig holds delivery tuning and the initial channel settings.
type NotificationsConfig struct {
	TimeoutSeconds    int                  `yaml:"timeoutSeconds"`
	RetryDelaySeconds int                  `yaml:"retryDelaySeconds"`
	Email             notify.ChannelConfig `yaml:"email"`
	WhatsApp          notify.ChannelConfig `yaml:"whatsapp"`
	SMS               notify.ChannelConfig `yaml:"sms"`
}

// DefaultConfig returns sane defaults for the monitor.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		LogLevel:       "info",
		KubeconfigPath: "",
		Storage: StorageConfig{
			Driver: "sqlite3",
			DSN:    "file:podmon.db?_busy_timeout=5000",
		},
		Monitoring: settings.Defaults().Monitoring,
		Notifications: NotificationsConfig{
			TimeoutSeconds:    30,
			RetryDelaySeconds: 5,
		},
		CleanupSchedule: retention.DefaultSchedule,
	}
}

// Timeout bounds a single delivery attempt.
func (n NotificationsConfig) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// RetryDelay is the fixed wait before the single retry.
func (n NotificationsConfig) RetryDelay() time.Duration {
	if n.RetryDelaySeconds < 0 {
		return 0
	}
	return time.Duration(n.RetryDelaySeconds) * time.Second
}

// Settings converts the file-level blocks into runtime settings. Channels
// that were never configured are left out.
func (c Config) Settings() settings.Settings {
	s := settings.Defaults()
	s.Monitoring = c.Monitoring
	for ch, cfg := range map[notify.Channel]notify.ChannelConfig{
		notify.ChannelEmail:    c.Notifications.Email,
		notify.ChannelWhatsApp: c.Notifications.WhatsApp,
		notify.ChannelSMS:      c.Notifications.SMS,
	} {
		if configured(cfg) {
			s.Channels[ch] = cfg.Clone()
		}
	}
	return s.Clone()
}

// AdminHash returns the bcrypt hash guarding settings updates, or nil.
func (c Config) AdminHash() []byte {
	if c.AdminPasswordHash == "" {
		return nil
	}
	return []byte(c.AdminPasswordHash)
}

func configured(cfg notify.ChannelConfig) bool {
	return cfg.Enabled || len(cfg.Recipients) > 0 || cfg.SMTP != nil || cfg.Gateway != nil || cfg.SNS != nil
}

// Load builds the configuration from the process arguments.
func Load() (Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs merges defaults, flags, file and environment. Later sources win:
// a value in the file overrides its flag, and the environment overrides both.
func LoadArgs(args []string) (Config, error) {
	cfg := DefaultConfig()

	configFile := envOrDefault("PODMON_CONFIG_FILE", "")
	namespaces := strings.Join(cfg.Monitoring.Namespaces, ",")

	fs := flag.NewFlagSet("podmon", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", configFile, "Path to YAML config file")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.KubeconfigPath, "kubeconfig", cfg.KubeconfigPath, "Path to kubeconfig (optional)")
	fs.StringVar(&cfg.Storage.Driver, "storage-driver", cfg.Storage.Driver, "History backend (memory, sqlite3, postgres)")
	fs.StringVar(&cfg.Storage.DSN, "storage-dsn", cfg.Storage.DSN, "History backend connection string")
	fs.StringVar(&namespaces, "namespaces", namespaces, "Comma separated namespaces to monitor")
	fs.BoolVar(&cfg.Monitoring.AllNamespaces, "all-namespaces", cfg.Monitoring.AllNamespaces, "Monitor every namespace")
	fs.BoolVar(&cfg.Monitoring.MonitorNodes, "monitor-nodes", cfg.Monitoring.MonitorNodes, "Monitor node status")
	fs.IntVar(&cfg.Monitoring.IntervalSeconds, "interval", cfg.Monitoring.IntervalSeconds, "Seconds between cycles")
	fs.IntVar(&cfg.Monitoring.RetentionDays, "retention-days", cfg.Monitoring.RetentionDays, "Days of history to keep")
	fs.StringVar(&cfg.CleanupSchedule, "cleanup-schedule", cfg.CleanupSchedule, "Cron schedule for history cleanup")

	if err := fs.Parse(args); err != nil { // flag set already prints errors
		return Config{}, err
	}
	cfg.Monitoring.Namespaces = splitList(namespaces)

	if configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite3", "postgres":
	default:
		return errors.Newf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return errors.Newf("storage driver %s needs a dsn", c.Storage.Driver)
	}
	if err := c.Settings().Validate(); err != nil {
		return errors.Wrap(err, "monitoring")
	}
	if c.Notifications.TimeoutSeconds < 0 || c.Notifications.RetryDelaySeconds < 0 {
		return errors.New("notification timeouts must be non-negative")
	}
	if c.AdminPasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminPasswordHash)); err != nil {
			return errors.Wrap(err, "adminPasswordHash is not a bcrypt hash")
		}
	}
	return nil
}

// loadFromFile overlays the file onto cfg. Keys absent from the file keep
// their current values.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path provided by cluster operator
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrap(err, "parse config file")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PODMON_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PODMON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PODMON_KUBECONFIG"); v != "" {
		cfg.KubeconfigPath = v
	}
	if v := os.Getenv("PODMON_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("PODMON_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("PODMON_NAMESPACES"); v != "" {
		cfg.Monitoring.Namespaces = splitList(v)
	}
	if v := os.Getenv("PODMON_ALL_NAMESPACES"); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			cfg.Monitoring.AllNamespaces = bv
		}
	}
	if v := os.Getenv("PODMON_MONITOR_NODES"); v != "" {
		if bv, err := strconv.ParseBool(v); err == nil {
			cfg.Monitoring.MonitorNodes = bv
		}
	}
	if v := os.Getenv("PODMON_INTERVAL_SECONDS"); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			cfg.Monitoring.IntervalSeconds = iv
		}
	}
	if v := os.Getenv("PODMON_RETENTION_DAYS"); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			cfg.Monitoring.RetentionDays = iv
		}
	}
	if v := os.Getenv("PODMON_CLEANUP_SCHEDULE"); v != "" {
		cfg.CleanupSchedule = v
	}
	if v := os.Getenv("PODMON_SMTP_PASSWORD"); v != "" {
		if cfg.Notifications.Email.SMTP == nil {
			cfg.Notifications.Email.SMTP = &notify.SMTPSettings{}
		}
		cfg.Notifications.Email.SMTP.Password = v
	}
	if v := os.Getenv("PODMON_WHATSAPP_TOKEN"); v != "" {
		if cfg.Notifications.WhatsApp.Gateway == nil {
			cfg.Notifications.WhatsApp.Gateway = &notify.GatewaySettings{}
		}
		cfg.Notifications.WhatsApp.Gateway.Token = v
	}
	if v := os.Getenv("PODMON_ADMIN_PASSWORD_HASH"); v != "" {
		cfg.AdminPasswordHash = v
	}
	// A plain password is hashed here and never kept.
	if v := os.Getenv("PODMON_ADMIN_PASSWORD"); v != "" {
		hash, err := settings.HashCredential(v)
		if err != nil {
			return err
		}
		cfg.AdminPasswordHash = string(hash)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
