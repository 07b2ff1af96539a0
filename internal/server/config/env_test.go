package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseEnv(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	t.Run("overlays prefixed variables", func(t *testing.T) {
		t.Setenv("NUCLEUS_HTTP_ADDR", ":9999")
		t.Setenv("NUCLEUS_DEVICE_CACHE_TTL", "2h")
		t.Setenv("NUCLEUS_EMAIL_ENABLED", "true")
		t.Setenv("NUCLEUS_SMTP_PORT", "25")

		cfg := &Config{}
		cfg.LoadDefaults()
		parseEnv(cfg)

		assert.Equal(t, ":9999", cfg.HTTPAddr)
		assert.Equal(t, 2*time.Hour, cfg.DeviceCacheTTL)
		assert.True(t, cfg.EmailEnabled)
		assert.Equal(t, 25, cfg.SMTPPort)
		assert.Equal(t, "nucleus.db", cfg.DatabaseDSN, "unset variables keep current value")
	})

	t.Run("malformed value panics", func(t *testing.T) {
		t.Setenv("NUCLEUS_SMTP_PORT", "many")
		require.Panics(t, func() { parseEnv(&Config{}) })
	})

	t.Run("loads env file from flag", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		require.NoError(t, os.WriteFile(path, []byte("NUCLEUS_OVERRIDE_CODE=424242\n"), 0o600))
		t.Setenv("NUCLEUS_OVERRIDE_CODE", "")
		require.NoError(t, os.Unsetenv("NUCLEUS_OVERRIDE_CODE"))

		os.Args = []string{"testbin", "-envfile", path}
		t.Cleanup(func() {
			os.Args = []string{"testbin"}
			_ = os.Unsetenv("NUCLEUS_OVERRIDE_CODE")
		})

		cfg := &Config{}
		parseEnv(cfg)
		assert.Equal(t, "424242", cfg.OverrideCode)
	})
}
