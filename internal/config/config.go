package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "GIGCHAT"

type Config struct {
	Addr string

	DBDSN     string
	RedisAddr string
	JWTSecret string

	// StorageURL is a gocloud bucket URL for attachments.
	StorageURL string

	// PresenceBackend is "redis" or "memory".
	PresenceBackend   string
	PresenceHeartbeat time.Duration
	PresenceTTL       time.Duration

	FeedChannel string
	SendTimeout time.Duration

	// NotifyServiceKey guards POST /api/notifications. Empty disables it.
	NotifyServiceKey string

	Log Log
}

type Log struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// channelName matches the identifiers LISTEN accepts unquoted.
var channelName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// New returns a viper instance reading GIGCHAT_* variables, with defaults.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("storage.url", "file:///tmp/gigchat")
	v.SetDefault("presence.backend", "redis")
	v.SetDefault("presence.heartbeat", 20*time.Second)
	v.SetDefault("presence.ttl", time.Minute)
	v.SetDefault("feed.channel", "gigchat_changes")
	v.SetDefault("send.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	return v
}

// Load reads an optional config file into v and builds the Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	c := Config{
		Addr:              v.GetString("addr"),
		DBDSN:             v.GetString("db.dsn"),
		RedisAddr:         v.GetString("redis.addr"),
		JWTSecret:         v.GetString("jwt.secret"),
		StorageURL:        v.GetString("storage.url"),
		PresenceBackend:   v.GetString("presence.backend"),
		PresenceHeartbeat: v.GetDuration("presence.heartbeat"),
		PresenceTTL:       v.GetDuration("presence.ttl"),
		FeedChannel:       v.GetString("feed.channel"),
		SendTimeout:       v.GetDuration("send.timeout"),
		NotifyServiceKey:  v.GetString("notify.service_key"),
		Log: Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, errors.New("db.dsn is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt.secret is not set"))
	}
	if !channelName.MatchString(c.FeedChannel) {
		errs = append(errs, fmt.Errorf("feed.channel %q is not a valid channel name", c.FeedChannel))
	}
	switch c.PresenceBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("presence.backend %q: want redis or memory", c.PresenceBackend))
	}
	if c.PresenceHeartbeat <= 0 || c.PresenceTTL <= c.PresenceHeartbeat {
		errs = append(errs, errors.New("presence.ttl must be longer than presence.heartbeat"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("send.timeout must be positive"))
	}
	return errors.Join(errs...)
}
