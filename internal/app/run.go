package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/petervdpas/cove/internal/call"
	"github.com/petervdpas/cove/internal/chat"
	"github.com/petervdpas/cove/internal/config"
	"github.com/petervdpas/cove/internal/docstore"
	"github.com/petervdpas/cove/internal/relay"
	"github.com/petervdpas/cove/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Console streams; default to stdin/stdout.
	In  io.Reader
	Out io.Writer
}

func (o *Options) streams() (io.Reader, io.Writer) {
	in, out := o.In, o.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return in, out
}

// Run starts one peer and drives it from the console until ctx ends or the
// console quits.
func Run(ctx context.Context, opt Options) error {
	logBanner(opt.PeerDir, opt.CfgPath)
	cfg := opt.Cfg

	self := strings.ToLower(strings.TrimSpace(cfg.Identity.Email))
	if self == "" {
		return fmt.Errorf("identity.email is not set (edit %s or set %s)", opt.CfgPath, config.EnvEmail)
	}
	cfg.Identity.Email = self

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(ctx, opt.PeerDir, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("STORE: %s", describeStore(opt.PeerDir, cfg))

	engine, err := call.NewPionEngine(engineConfig(opt.PeerDir, cfg))
	if err != nil {
		return fmt.Errorf("webrtc engine: %w", err)
	}

	calls := call.NewChannel(store, engine, callOptions(cfg))
	defer calls.Close()

	pipe := chat.NewPipeline(store, newUploader(cfg), chatOptions(cfg))
	defer pipe.CloseConversation()

	in, out := opt.streams()
	con := NewConsole(in, out, self, calls, pipe)
	calls.OnNotice(con.Notice)

	if err := calls.Listen(ctx); err != nil {
		return fmt.Errorf("listen for calls: %w", err)
	}

	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			engine.Apply(engineConfig(opt.PeerDir, next))
		})
		if err != nil {
			log.Printf("CONFIG: hot reload disabled: %v", err)
		}
	}

	if err := con.Run(ctx); err != nil {
		return err
	}
	log.Println("PEER: shutting down")
	return nil
}

func describeStore(peerDir string, cfg config.Config) string {
	if cfg.Store.Mode == config.StoreRemote {
		return "remote " + cfg.Store.RemoteURL
	}
	return "sqlite " + util.ResolvePath(peerDir, cfg.Store.Path)
}

// RunStore hosts the shared store for other peers until ctx ends.
func RunStore(ctx context.Context, opt Options) error {
	logBanner(opt.PeerDir, opt.CfgPath)
	cfg := opt.Cfg
	if cfg.Store.Mode != config.StoreSQLite {
		return errors.New("store host mode needs store.mode sqlite")
	}

	path := util.ResolvePath(opt.PeerDir, cfg.Store.Path)
	db, err := docstore.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", path, err)
	}
	defer db.Close()

	if cfg.Store.TokenHash == "" {
		log.Printf("RELAY: WARNING: store.token_hash is empty, any client may connect")
	}
	srv := relay.New(db, cfg.Store.BindAddr, cfg.Store.TokenHash)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("🌐 Store relay: %s", srv.URL())
	log.Printf("📁 Database:    %s", db.Path())
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	log.Println("RELAY: context cancelled, stopping")
	return nil
}
