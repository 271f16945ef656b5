package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_API_BASE_URL", "http://localhost:8080/api/")
	t.Setenv("CHAT_WS_URL", "ws://localhost:8080/ws")
	t.Setenv("CHAT_USER_ID", "17")
	t.Setenv("CHAT_USER_NAME", "Dana")
	t.Setenv("CHAT_PAGE_SIZE", "50")
	t.Setenv("CHAT_REQUEST_TIMEOUT", "45s")
	t.Setenv("CHAT_SUBSCRIBE_RECEIPTS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/api", cfg.APIBaseURL)
	assert.Equal(t, int64(17), cfg.Identity.ID)
	assert.Equal(t, "Dana", cfg.Identity.Name)
	assert.Equal(t, "CUSTOMER", cfg.Identity.Role)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.SubscribeReceipts)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts)
}

func TestLoadConfigYAMLOverriddenByEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	yamlBody := `
api_base_url: http://yaml-host/api
ws_url: ws://yaml-host/ws
identity:
  id: 5
  name: From Yaml
  role: EMPLOYEE
page_size: 10
reconnect_delay: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	t.Setenv("CHAT_CONFIG_FILE", path)
	t.Setenv("CHAT_API_BASE_URL", "")
	t.Setenv("CHAT_WS_URL", "ws://env-host/ws")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://yaml-host/api", cfg.APIBaseURL)
	assert.Equal(t, "ws://env-host/ws", cfg.WSURL)
	assert.Equal(t, int64(5), cfg.Identity.ID)
	assert.Equal(t, "EMPLOYEE", cfg.Identity.Role)
	assert.Equal(t, 10, cfg.PageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("CHAT_API_BASE_URL", "http://localhost")
	t.Setenv("CHAT_WS_URL", "http://not-a-socket")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("CHAT_WS_URL", "ws://localhost/ws")
	t.Setenv("CHAT_USER_ID", "abc")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestValidateRequiresEndpoints(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	assert.Error(t, cfg.Validate())
}
