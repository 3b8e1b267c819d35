// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/cove/internal/app"
	"github.com/petervdpas/cove/internal/config"
	"github.com/petervdpas/cove/internal/relay"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "config.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("cove v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "peer", "store", "init":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: cove %s <peer-directory>\n", command)
			os.Exit(1)
		}
		dir := peerDir(args[1], command == "init")
		switch command {
		case "peer":
			runCLIPeer(dir)
		case "store":
			runCLIStore(dir)
		case "init":
			runInit(dir)
		}

	case "hash-token":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: cove hash-token <token>")
			os.Exit(1)
		}
		h, err := relay.HashToken(args[1])
		if err != nil {
			log.Fatalf("hash token: %v", err)
		}
		fmt.Println(h)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string, create bool) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create peer directory: %v", err)
		}
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}
	return absDir
}

// loadConfig creates config.json with defaults when missing and overlays
// .env and the process environment.
func loadConfig(dir string) (string, config.Config) {
	cfgPath := filepath.Join(dir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("CONFIG: wrote defaults to %s", cfgPath)
	}
	if err := config.LoadDotEnv(dir); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg.ApplyEnv()
	return cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(dir string) {
	cfgPath, cfg := loadConfig(dir)
	printPeerBanner(dir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIStore(dir string) {
	cfgPath, cfg := loadConfig(dir)
	// Store host mode always serves a local database.
	cfg.Store.Mode = config.StoreSQLite
	printPeerBanner(dir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunStore(ctx, app.Options{
		PeerDir: dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Store relay failed: %v", err)
	}
}

func runInit(dir string) {
	cfgPath := filepath.Join(dir, cfgName)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, dir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("cove - messages and calls over a shared realtime store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cove init <directory>      Create or edit a peer's config interactively")
	fmt.Println("  cove peer <directory>      Run a peer with a console front end")
	fmt.Println("  cove store <directory>     Host the shared store for other peers")
	fmt.Println("  cove hash-token <token>    Print the bcrypt hash for store.token_hash")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host a store and run two peers against it")
	fmt.Println("  cove store ./peers/hub")
	fmt.Println("  cove peer ./peers/alice")
	fmt.Println("  cove peer ./peers/bob")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-18s overrides identity.email\n", config.EnvEmail)
	fmt.Printf("  %-18s overrides store.token\n", config.EnvStoreToken)
	fmt.Printf("  %-18s overrides blob.upload_url\n", config.EnvBlobURL)
	fmt.Println("  A .env file in the peer directory is read first.")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      Cove Runner                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.Email != "" {
		fmt.Printf("Identity:       %s\n", cfg.Identity.Email)
	}
	switch cfg.Store.Mode {
	case config.StoreRemote:
		fmt.Printf("Store:          %s\n", cfg.Store.RemoteURL)
	default:
		fmt.Printf("Store:          %s\n", cfg.Store.Path)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
