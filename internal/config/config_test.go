package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Call.DialTimeoutSec)
	assert.Equal(t, 60, cfg.Call.IncomingWindowSec)
	assert.Equal(t, 10, cfg.Call.CandidatePoolSize)
	assert.Equal(t, 15, cfg.Chat.PageSize)
	assert.Equal(t, 5000, cfg.Chat.ReconcileWindowMs)
}

func TestValidateNamesField(t *testing.T) {
	cases := map[string]func(*Config){
		"store.mode":              func(c *Config) { c.Store.Mode = "postgres" },
		"store.remote_url":        func(c *Config) { c.Store.Mode = StoreRemote; c.Store.RemoteURL = "http://x" },
		"call.ice_servers":        func(c *Config) { c.Call.ICEServers = []string{"http://stun"} },
		"call.dial_timeout":       func(c *Config) { c.Call.DialTimeoutSec = 0 },
		"chat.page_size":          func(c *Config) { c.Chat.PageSize = 0 },
		"blob.upload_url":         func(c *Config) { c.Blob.UploadURL = "ftp://files" },
		"identity.email":          func(c *Config) { c.Identity.Email = "nobody" },
		"store.bind_addr":         func(c *Config) { c.Store.BindAddr = "nope" },
		"call.handled_ids":        func(c *Config) { c.Call.HandledIDs = -1 },
		"chat.reconcile_window_ms":func(c *Config) { c.Chat.ReconcileWindowMs = 0 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StoreSQLite, cfg.Store.Mode)

	cfg.Identity.Email = "a@x.com"
	require.NoError(t, Save(path, cfg))

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a@x.com", cfg.Identity.Email)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"email":"b@x.com"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", cfg.Identity.Email)
	assert.Equal(t, 200, cfg.Chat.NearBottomPx)
}

func TestApplyEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COVE_BLOB_URL=https://files.example.org/upload\n"), 0o644))
	t.Setenv(EnvStoreToken, "tok")
	t.Setenv(EnvEmail, "c@x.com")
	t.Setenv(EnvBlobURL, "")
	os.Unsetenv(EnvBlobURL)

	require.NoError(t, LoadDotEnv(dir))
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "tok", cfg.Store.Token)
	assert.Equal(t, "c@x.com", cfg.Identity.Email)
	assert.Equal(t, "https://files.example.org/upload", cfg.Blob.UploadURL)
}

func TestLoadDotEnvMissing(t *testing.T) {
	assert.NoError(t, LoadDotEnv(t.TempDir()))
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	cfg := Default()
	cfg.Call.ICEServers = []string{"stun:stun.example.org:3478"}
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, []string{"stun:stun.example.org:3478"}, c.Call.ICEServers)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
}
