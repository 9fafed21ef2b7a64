package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears viper's global state between tests, since LoadConfig
// layers onto the package-level viper instance.
func resetViper() {
	viper.Reset()
}

func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "provd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	resetViper()
	unsetEnvKeys("SERVER_REST_ADDR", "STORAGE_BACKEND", "APP_ENVIRONMENT")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8667", cfg.Server.RESTAddr)
	assert.Equal(t, ":69", cfg.Server.TFTPAddr)
	assert.Equal(t, StorageBackendBolt, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/provd/provd.db", cfg.Storage.BoltPath)
	assert.Equal(t, "/usr/share/provd/migrations", cfg.Storage.MigrationsDir)
	assert.Equal(t, "numeric", cfg.App.IDGenerator)
	assert.False(t, cfg.Server.URLKeyAuth)
}

func TestLoadConfigFromFile(t *testing.T) {
	resetViper()
	unsetEnvKeys("SERVER_REST_ADDR", "STORAGE_BACKEND")

	path := writeTempYAML(t, `
server:
  rest_addr: ":9000"
  url_key_auth: true
storage:
  backend: memory
plugin:
  plugins_dir: /tmp/plugins
  cache_dir: /tmp/cache
app:
  id_generator: uuid-hex
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.RESTAddr)
	assert.True(t, cfg.Server.URLKeyAuth)
	assert.Equal(t, StorageBackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "uuid-hex", cfg.App.IDGenerator)
	assert.Equal(t, path, cfg.App.ConfigFile)
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	resetViper()
	unsetEnvKeys("SERVER_REST_ADDR")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8667", cfg.Server.RESTAddr)
}

func TestValidateRejectsUnknownStorageBackend(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{RESTAddr: ":8667", TFTPAddr: ":69"},
		Storage: StorageConfig{Backend: "postgres"},
		Plugin:  PluginConfig{PluginsDir: "/x", CacheDir: "/y"},
		Log:     LogConfig{Level: "info"},
		App:     AppConfig{Name: "provd", IDGenerator: "numeric"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage backend")
}

func TestValidateRejectsBoltBackendWithoutPath(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{RESTAddr: ":8667", TFTPAddr: ":69"},
		Storage: StorageConfig{Backend: StorageBackendBolt},
		Plugin:  PluginConfig{PluginsDir: "/x", CacheDir: "/y"},
		Log:     LogConfig{Level: "info"},
		App:     AppConfig{Name: "provd", IDGenerator: "numeric"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bolt_path")
}

func TestValidateRejectsBoltBackendWithoutMigrationsDir(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{RESTAddr: ":8667", TFTPAddr: ":69"},
		Storage: StorageConfig{Backend: StorageBackendBolt, BoltPath: "/var/lib/provd/provd.db"},
		Plugin:  PluginConfig{PluginsDir: "/x", CacheDir: "/y"},
		Log:     LogConfig{Level: "info"},
		App:     AppConfig{Name: "provd", IDGenerator: "numeric"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrations_dir")
}

func TestValidateRejectsUnknownIDGenerator(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{RESTAddr: ":8667", TFTPAddr: ":69"},
		Storage: StorageConfig{Backend: StorageBackendMemory},
		Plugin:  PluginConfig{PluginsDir: "/x", CacheDir: "/y"},
		Log:     LogConfig{Level: "info"},
		App:     AppConfig{Name: "provd", IDGenerator: "carrier-pigeon"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id_generator")
}

func TestToLoggerConfigAndToAMIConfigConvertFieldForField(t *testing.T) {
	cfg := Config{
		Log: LogConfig{Level: "debug", Format: "text", Output: "stderr", MaxSize: 50, MaxBackups: 2, MaxAge: 7, Compress: false},
		AMI: AMIConfig{BaseURL: "http://amid:9491", MaxRetries: 4},
	}

	lc := cfg.Log.ToLoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "stderr", lc.Output)
	assert.Equal(t, 50, lc.MaxSize)

	ac := cfg.AMI.ToAMIConfig()
	assert.Equal(t, "http://amid:9491", ac.BaseURL)
	assert.Equal(t, 4, ac.MaxRetries)
}
