package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/shellport"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string `envconfig:"API_TOKEN" default:""`

	// Log rotation
	LogMaxSizeMB   int  `envconfig:"LOG_MAX_SIZE_MB" default:"20"`
	LogMaxBackups  int  `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	LogMaxAgeDays  int  `envconfig:"LOG_MAX_AGE_DAYS" default:"30"`
	LogCompression bool `envconfig:"LOG_COMPRESS" default:"false"`

	// SSH transport settings
	KnownHostsPath    string        `envconfig:"KNOWN_HOSTS_PATH" default:""`
	SSHConfigPath     string        `envconfig:"SSH_CONFIG_PATH" default:""`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
	IOTimeout         time.Duration `envconfig:"IO_TIMEOUT" default:"60s"`
	KeepAliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"15s"`
	PumpIdle          time.Duration `envconfig:"PUMP_IDLE" default:"10ms"`
	StrictHostKeys    bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`
	MaxSessions       int           `envconfig:"MAX_SESSIONS" default:"0"`

	// File manager
	TextReadLimit string `envconfig:"TEXT_READ_LIMIT" default:"5MiB"`

	// Audit log
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLPORT", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "shellport.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "shellport.log")
	}
}

// TextReadLimitBytes parses TextReadLimit as a binary size. Unparseable or
// non-positive values fall back to 5 MiB.
func (s Settings) TextReadLimitBytes() int64 {
	n, err := units.RAMInBytes(s.TextReadLimit)
	if err != nil || n <= 0 {
		return 5 * units.MiB
	}
	return n
}
