package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GIGCHAT_DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("GIGCHAT_JWT_SECRET", "s3cret")
	t.Setenv("GIGCHAT_PRESENCE_HEARTBEAT", "5s")
	t.Setenv("GIGCHAT_PRESENCE_TTL", "15s")
	t.Setenv("GIGCHAT_NOTIFY_SERVICE_KEY", "svc")

	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, "postgres://chat@localhost/chat", c.DBDSN)
	assert.Equal(t, 5*time.Second, c.PresenceHeartbeat)
	assert.Equal(t, 15*time.Second, c.PresenceTTL)
	assert.Equal(t, "gigchat_changes", c.FeedChannel)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "svc", c.NotifyServiceKey)
}

func TestLoadFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "gigchat.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
addr: ":9090"
db:
  dsn: postgres://localhost/chat
jwt:
  secret: abc
presence:
  backend: memory
log:
  format: json
  file: /var/log/gigchat.log
`), 0o600))

	c, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.Addr)
	assert.Equal(t, "memory", c.PresenceBackend)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "/var/log/gigchat.log", c.Log.File)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DBDSN:             "postgres://x",
		JWTSecret:         "k",
		FeedChannel:       "gigchat_changes",
		PresenceBackend:   "redis",
		PresenceHeartbeat: 20 * time.Second,
		PresenceTTL:       time.Minute,
		SendTimeout:       time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing dsn", func(c *Config) { c.DBDSN = "" }, "db.dsn"},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "jwt.secret"},
		{"quoted channel", func(c *Config) { c.FeedChannel = `x"; DROP TABLE messages; --` }, "feed.channel"},
		{"unknown presence", func(c *Config) { c.PresenceBackend = "etcd" }, "presence.backend"},
		{"ttl shorter than heartbeat", func(c *Config) { c.PresenceTTL = time.Second }, "presence.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
