package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/cove/internal/blob"
	"github.com/petervdpas/cove/internal/call"
	"github.com/petervdpas/cove/internal/chat"
	"github.com/petervdpas/cove/internal/config"
	"github.com/petervdpas/cove/internal/docstore"
	"github.com/petervdpas/cove/internal/util"
)

// setupMicroService logs an optional external service and wires it when
// url is set.
func setupMicroService(name, url string, configure func()) {
	if url == "" {
		log.Printf("%s service: not configured", name)
		return
	}
	log.Printf("%s service: %s", name, url)
	configure()
}

// openStore opens the document store the config points at.
func openStore(ctx context.Context, peerDir string, cfg config.Config) (docstore.Store, error) {
	switch cfg.Store.Mode {
	case config.StoreRemote:
		dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		r, err := docstore.DialRemote(dctx, cfg.Store.RemoteURL, cfg.Store.Token)
		if err != nil {
			return nil, fmt.Errorf("dial store %s: %w", cfg.Store.RemoteURL, err)
		}
		return r, nil
	default:
		path := util.ResolvePath(peerDir, cfg.Store.Path)
		s, err := docstore.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
		return s, nil
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func engineConfig(peerDir string, cfg config.Config) call.EngineConfig {
	ec := call.EngineConfig{
		ICEServers:        append([]string(nil), cfg.Call.ICEServers...),
		CandidatePoolSize: cfg.Call.CandidatePoolSize,
		ReceiveOnly:       cfg.Call.ReceiveOnly,
	}
	if cfg.Call.RecordDir != "" {
		ec.RecordDir = util.ResolvePath(peerDir, cfg.Call.RecordDir)
	}
	return ec
}

func callOptions(cfg config.Config) call.Options {
	return call.Options{
		Self:           cfg.Identity.Email,
		DialTimeout:    seconds(cfg.Call.DialTimeoutSec),
		IncomingWindow: seconds(cfg.Call.IncomingWindowSec),
		HandledIDs:     cfg.Call.HandledIDs,
	}
}

func chatOptions(cfg config.Config) chat.Options {
	return chat.Options{
		Self:            cfg.Identity.Email,
		ReconcileWindow: time.Duration(cfg.Chat.ReconcileWindowMs) * time.Millisecond,
		PageSize:        cfg.Chat.PageSize,
		NearTopPx:       cfg.Chat.NearTopPx,
		NearBottomPx:    cfg.Chat.NearBottomPx,
	}
}

func newUploader(cfg config.Config) blob.Uploader {
	var up blob.Uploader = blob.NewHTTP("", seconds(cfg.Blob.TimeoutSec))
	setupMicroService("Upload", cfg.Blob.UploadURL, func() {
		up = blob.NewHTTP(cfg.Blob.UploadURL, seconds(cfg.Blob.TimeoutSec))
	})
	return up
}
