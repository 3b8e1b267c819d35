package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/cove/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Chat     Chat     `json:"chat"`
	Blob     Blob     `json:"blob"`
}

type Identity struct {
	Email string `json:"email"`
}

const (
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
)

type Store struct {
	// "sqlite" opens Path directly; "remote" dials RemoteURL (a relay /ws endpoint).
	Mode string `json:"mode"`

	// SQLite database file, relative to the peer directory.
	Path string `json:"path"`

	// Relay endpoint, e.g. ws://10.0.0.5:8790/ws
	RemoteURL string `json:"remote_url"`

	// Bearer token presented to the relay (peer side).
	Token string `json:"token"`

	// Listen address of `cove store` (host side).
	BindAddr string `json:"bind_addr"`

	// bcrypt hash of the accepted token (host side). Empty disables auth.
	TokenHash string `json:"token_hash"`
}

type Call struct {
	ICEServers        []string `json:"ice_servers"`
	CandidatePoolSize int      `json:"candidate_pool_size"`
	DialTimeoutSec    int      `json:"dial_timeout_seconds"`
	IncomingWindowSec int      `json:"incoming_window_seconds"`
	HandledIDs        int      `json:"handled_ids"`

	// Answer and place calls without capturing local devices.
	ReceiveOnly bool `json:"receive_only"`

	// Remote tracks are written here as .ivf/.ogg files. Empty disables it.
	RecordDir string `json:"record_dir"`
}

type Chat struct {
	PageSize          int `json:"page_size"`
	NearTopPx         int `json:"near_top_px"`
	NearBottomPx      int `json:"near_bottom_px"`
	ReconcileWindowMs int `json:"reconcile_window_ms"`
}

type Blob struct {
	UploadURL  string `json:"upload_url"`
	TimeoutSec int    `json:"timeout_seconds"`
}

func Default() Config {
	return Config{
		Store: Store{
			Mode:     StoreSQLite,
			Path:     "data/store.db",
			BindAddr: "127.0.0.1:8790",
		},
		Call: Call{
			ICEServers: []string{
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
			CandidatePoolSize: 10,
			DialTimeoutSec:    30,
			IncomingWindowSec: 60,
			HandledIDs:        64,
		},
		Chat: Chat{
			PageSize:          15,
			NearTopPx:         80,
			NearBottomPx:      200,
			ReconcileWindowMs: 5000,
		},
		Blob: Blob{
			TimeoutSec: 60,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if e := strings.TrimSpace(c.Identity.Email); e != "" && !strings.Contains(e, "@") {
		return errors.New("identity.email must be an email address")
	}

	// Store
	switch c.Store.Mode {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required when store.mode is sqlite")
		}
	case StoreRemote:
		if err := validateWS(c.Store.RemoteURL); err != nil {
			return fmt.Errorf("store.remote_url: %w", err)
		}
	default:
		return errors.New("store.mode must be sqlite or remote")
	}
	if b := strings.TrimSpace(c.Store.BindAddr); b != "" {
		if _, _, err := net.SplitHostPort(b); err != nil {
			return errors.New("store.bind_addr must be host:port")
		}
	}

	// Call
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.CandidatePoolSize < 0 || c.Call.CandidatePoolSize > 255 {
		return errors.New("call.candidate_pool_size must be 0..255")
	}
	if c.Call.DialTimeoutSec <= 0 {
		return errors.New("call.dial_timeout_seconds must be > 0")
	}
	if c.Call.IncomingWindowSec <= 0 {
		return errors.New("call.incoming_window_seconds must be > 0")
	}
	if c.Call.HandledIDs <= 0 {
		return errors.New("call.handled_ids must be > 0")
	}

	// Chat
	if c.Chat.PageSize <= 0 {
		return errors.New("chat.page_size must be > 0")
	}
	if c.Chat.NearTopPx < 0 {
		return errors.New("chat.near_top_px must be >= 0")
	}
	if c.Chat.NearBottomPx < 0 {
		return errors.New("chat.near_bottom_px must be >= 0")
	}
	if c.Chat.ReconcileWindowMs <= 0 {
		return errors.New("chat.reconcile_window_ms must be > 0")
	}

	// Blob
	if u := strings.TrimSpace(c.Blob.UploadURL); u != "" {
		if err := validateHTTP(u); err != nil {
			return fmt.Errorf("blob.upload_url: %w", err)
		}
	}
	if c.Blob.TimeoutSec < 0 {
		return errors.New("blob.timeout_seconds must be >= 0")
	}

	return nil
}

func validateWS(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required when store.mode is remote")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateHTTP(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
