package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets that should not live in config.json.
const (
	EnvStoreToken = "COVE_STORE_TOKEN"
	EnvBlobURL    = "COVE_BLOB_URL"
	EnvEmail      = "COVE_EMAIL"
)

// LoadDotEnv reads <dir>/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(dir string) error {
	p := filepath.Join(dir, ".env")
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(p); err != nil {
		return err
	}
	log.Printf("CONFIG: loaded %s", p)
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvStoreToken)); v != "" {
		c.Store.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBlobURL)); v != "" {
		c.Blob.UploadURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEmail)); v != "" {
		c.Identity.Email = v
	}
}
