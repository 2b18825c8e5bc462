package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"

	"github.com/leonardcser/web-query/internal/config"
	"github.com/leonardcser/web-query/internal/kv"
	"github.com/leonardcser/web-query/internal/logger"
)

const purgeInterval = time.Hour

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Path, cfg.Log.Level); err != nil {
		panic(err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sock := cfg.KV.Socket
	// Ensure socket dir exists and remove stale socket
	_ = os.MkdirAll(filepath.Dir(sock), 0o755)
	_ = os.Remove(sock)

	l, err := net.Listen("unix", sock)
	if err != nil {
		log.WithError(err).WithField("socket", sock).Fatal("listen")
	}
	_ = os.Chmod(sock, 0o600)

	_ = os.MkdirAll(filepath.Dir(cfg.KV.DB), 0o755)
	store, err := kv.Open(cfg.KV.DB, kv.Options{Bucket: "web", DefaultTTL: time.Duration(cfg.KV.OfflineTTL)})
	if err != nil {
		log.WithError(err).WithField("db", cfg.KV.DB).Fatal("open store")
	}
	defer store.Close()

	go purgeLoop(ctx, store)

	log.WithFields(log.Fields{"socket": sock, "db": cfg.KV.DB}).Info("kv daemon serving")
	if err := kv.Serve(ctx, l, store); err != nil {
		log.WithError(err).Error("serve")
	}
	_ = os.Remove(sock)
}

func purgeLoop(ctx context.Context, store *kv.Store) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.Purge(); err != nil {
				log.WithError(err).Warn("purge")
			} else if n > 0 {
				log.WithField("rows", n).Info("purged expired rows")
			}
		}
	}
}
