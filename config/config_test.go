package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 18090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Service.SettleWindow)
	assert.True(t, cfg.Service.EventDrivenConnect)
	assert.Equal(t, DefaultStorePath(), cfg.Store.Path)
	assert.False(t, cfg.Simulate)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("AGENT_TEST_SECRET", "from-env")
	path := writeFile(t, `
server:
  port: 19000
  secret: ${AGENT_TEST_SECRET}
  control_timeout: 30s
store:
  path: /var/lib/handheld/agent.db
location:
  serial_port: /dev/ttyUSB0
  baud: 9600
nats:
  url: nats://localhost:4222
  stream: HANDHELD
service:
  settle_window: 1500ms
  ignore_trigger: true
chainway:
  name_prefix: D5
simulate: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 19000, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Server.Secret)
	assert.Equal(t, 30*time.Second, cfg.Server.ControlTimeout)
	assert.Equal(t, "/var/lib/handheld/agent.db", cfg.Store.Path)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Location.SerialPort)
	assert.Equal(t, 9600, cfg.Location.Baud)
	assert.Equal(t, "HANDHELD", cfg.NATS.Stream)
	assert.Equal(t, "handheld", cfg.NATS.SubjectPrefix, "unset keys keep their default")
	assert.Equal(t, 1500*time.Millisecond, cfg.Service.SettleWindow)
	assert.Equal(t, 3*time.Second, cfg.Service.StopReadGrace)
	assert.True(t, cfg.Service.IgnoreTrigger)
	assert.Equal(t, "D5", cfg.Chainway.NamePrefix)
	assert.True(t, cfg.Simulate)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 19000\n")
	t.Setenv("HANDHELD_PORT", "19100")
	t.Setenv("HANDHELD_SIMULATE", "true")
	t.Setenv("HANDHELD_NATS_URL", "nats://bus:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 19100, cfg.Server.Port)
	assert.True(t, cfg.Simulate)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("HANDHELD_PORT", "eighty")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HANDHELD_PORT")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeFile(t, "server: [port"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	cfg.NATS.Stream = "HANDHELD"
	cfg.NATS.SubjectPrefix = "handheld.>"
	cfg.Service.StopReadGrace = -time.Second
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "nats.stream", "nats.subject_prefix", "service.stop_read_grace", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestWriteExample(t *testing.T) {
	t.Setenv("HANDHELD_SECRET", "")
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, WriteExample(path, false))
	assert.Error(t, WriteExample(path, false))
	require.NoError(t, WriteExample(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./handheld-agent.db", cfg.Store.Path)
	assert.Equal(t, time.Minute, cfg.Server.ControlTimeout)
	assert.Empty(t, cfg.Server.Secret, "unset variables expand to nothing")
}
