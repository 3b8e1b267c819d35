// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/cove/internal/config"
)

// PromptInteractive walks through the settings a new peer needs. Invalid
// answers fall back to cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg
	cfg.Call.ICEServers = append([]string(nil), cfg.Call.ICEServers...)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Cove interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.Email = strings.ToLower(askString(in, w, "Your email", cfg.Identity.Email))

	remote := askBool(in, w, "Use a shared store relay", cfg.Store.Mode == config.StoreRemote)
	if remote {
		cfg.Store.Mode = config.StoreRemote
		cfg.Store.RemoteURL = askString(in, w, "Relay URL (ws://host:port/ws)", cfg.Store.RemoteURL)
	} else {
		cfg.Store.Mode = config.StoreSQLite
		cfg.Store.Path = askString(in, w, "Database file", cfg.Store.Path)
	}

	cfg.Call.ReceiveOnly = askBool(in, w, "Receive-only calls (no camera/mic)", cfg.Call.ReceiveOnly)
	cfg.Call.DialTimeoutSec = askInt(in, w, "Dial timeout seconds", cfg.Call.DialTimeoutSec)
	cfg.Call.RecordDir = askString(in, w, "Record remote media to (empty=off)", cfg.Call.RecordDir)
	cfg.Blob.UploadURL = askString(in, w, "Upload worker URL (empty=off)", cfg.Blob.UploadURL)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if s == "-" {
		return ""
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
