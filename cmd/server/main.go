package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/web-query/internal/config"
	"github.com/leonardcser/web-query/internal/kv"
	"github.com/leonardcser/web-query/internal/logger"
	"github.com/leonardcser/web-query/internal/queries"
	"github.com/leonardcser/web-query/internal/query"
	"github.com/leonardcser/web-query/internal/tools"
	"github.com/leonardcser/web-query/internal/web"
)

const daemonBinary = "web-query-kv"

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = defaultLogPath()
	}
	if err := logger.Init(logPath, cfg.Log.Level); err != nil {
		panic(err)
	}
	defer logger.Close()

	log.Info("starting web-query MCP server")

	cache := query.New(query.WithSweepInterval(time.Duration(cfg.Cache.SweepInterval)))
	defer cache.Close()

	src := queries.Sources{
		Pages:  web.NewFetcher(),
		Search: web.NewSearcher(),
	}
	if client := connectOffline(cfg.KV.Socket); client != nil {
		src.Offline = client
	}
	q := queries.New(cache, src, cfg)

	// A client (re)initializing is this server's notion of regaining focus.
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(_ context.Context, _ any, msg *mcp.InitializeRequest, _ *mcp.InitializeResult) {
		n := q.Refocus()
		log.WithField("client", msg.Params.ClientInfo.Name).WithField("refetched", n).Info("client initialized")
	})

	s := server.NewMCPServer(
		"Web Query",
		"0.2.0",
		server.WithRecovery(),
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)
	tools.Register(s, q)
	log.Info("registered tools, serving on stdio")

	if err := server.ServeStdio(s); err != nil {
		log.WithError(err).Error("server error")
	}
}

func defaultLogPath() string {
	if exePath, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exePath), "web-query.log")
	}
	return "./web-query.log"
}

// connectOffline returns a client for the KV daemon, starting it when it is
// not running. It returns nil when the daemon stays unreachable; the server
// then runs without offline copies.
func connectOffline(sock string) *kv.Client {
	client := kv.NewClient(sock)
	lg := log.WithField("socket", sock)
	if err := client.Ping(); err == nil {
		lg.Info("connected to kv daemon")
		return client
	}

	if err := startDaemon(sock); err != nil {
		lg.WithError(err).Warn("kv daemon unavailable, running without offline store")
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.Ping(); err == nil {
			lg.Info("started and connected to kv daemon")
			return client
		}
		time.Sleep(200 * time.Millisecond)
	}
	lg.Warn("kv daemon did not come up, running without offline store")
	return nil
}

func startDaemon(sock string) error {
	var candidates []string
	// Next to this executable, then PATH, then the working directory.
	if exePath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exePath), daemonBinary))
	}
	if path, err := exec.LookPath(daemonBinary); err == nil {
		candidates = append(candidates, path)
	}
	candidates = append(candidates, "./"+daemonBinary)

	for _, bin := range candidates {
		if _, err := os.Stat(bin); err != nil {
			continue
		}
		cmd := exec.Command(bin)
		cmd.Env = append(os.Environ(), "WEB_QUERY_KV_SOCK="+sock)
		return cmd.Start()
	}
	return exec.ErrNotFound
}
