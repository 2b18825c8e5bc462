package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v3"

	"github.com/leonardcser/web-query/internal/config"
	"github.com/leonardcser/web-query/internal/kv"
	"github.com/leonardcser/web-query/internal/logger"
	"github.com/leonardcser/web-query/internal/queries"
	"github.com/leonardcser/web-query/internal/query"
	"github.com/leonardcser/web-query/internal/web"
)

// app holds what the subcommands share. It is built in Before.
type app struct {
	out   io.Writer
	in    io.Reader
	cache *query.Cache
	q     *queries.Client
}

func newCommand(out io.Writer, in io.Reader) *cli.Command {
	a := &app{out: out, in: in}
	selectFlag := &cli.StringFlag{
		Name:  "select",
		Usage: "print only the value at this gjson `PATH` of the JSON result",
	}
	refreshFlag := &cli.BoolFlag{
		Name:  "refresh",
		Usage: "bypass the cache",
	}
	return &cli.Command{
		Name:  "web-query",
		Usage: "fetch pages, searches and files through the query cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config `FILE`",
				Sources: cli.EnvVars("WEB_QUERY_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "no-offline",
				Usage: "do not use the kv daemon for offline copies",
			},
		},
		Before: a.setup,
		After:  a.teardown,
		Commands: []*cli.Command{
			{
				Name:      "fetch",
				Usage:     "fetch and summarize a page",
				ArgsUsage: "URL",
				Flags:     []cli.Flag{selectFlag, refreshFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					url, err := oneArg(cmd, "URL")
					if err != nil {
						return err
					}
					ps, err := a.q.Page(ctx, url, cmd.Bool("refresh"))
					if err != nil {
						return err
					}
					return a.render(ps, cmd.String("select"))
				},
			},
			{
				Name:      "search",
				Usage:     "search the web",
				ArgsUsage: "QUERY...",
				Flags:     []cli.Flag{selectFlag, refreshFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					q := strings.Join(cmd.Args().Slice(), " ")
					if strings.TrimSpace(q) == "" {
						return fmt.Errorf("missing QUERY")
					}
					results, err := a.q.Search(ctx, q, cmd.Bool("refresh"))
					if err != nil {
						return err
					}
					return a.render(results, cmd.String("select"))
				},
			},
			{
				Name:      "read",
				Usage:     "read a local file",
				ArgsUsage: "PATH",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path, err := oneArg(cmd, "PATH")
					if err != nil {
						return err
					}
					text, err := a.q.File(ctx, path, false)
					if err != nil {
						return err
					}
					_, err = io.WriteString(a.out, text)
					return err
				},
			},
			{
				Name:      "offline",
				Usage:     "list URLs stored for offline use",
				ArgsUsage: "[PREFIX]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					urls, err := a.q.OfflineKeys(ctx, cmd.Args().First(), false)
					if err != nil {
						return err
					}
					for _, u := range urls {
						fmt.Fprintln(a.out, u)
					}
					return nil
				},
			},
			{
				Name:      "watch",
				Usage:     "subscribe to a page; press enter to signal refocus",
				ArgsUsage: "URL",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "stale",
						Usage: "how long a fetched page stays fresh",
						Value: 30 * time.Second,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					url, err := oneArg(cmd, "URL")
					if err != nil {
						return err
					}
					return a.watch(ctx, url, cmd.Duration("stale"))
				},
			},
		},
	}
}

func (a *app) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return ctx, err
	}
	if err := logger.Init(cfg.Log.Path, cfg.Log.Level); err != nil {
		return ctx, err
	}
	src := queries.Sources{
		Pages:  web.NewFetcher(),
		Search: web.NewSearcher(),
	}
	if !cmd.Bool("no-offline") {
		client := kv.NewClient(cfg.KV.Socket)
		if client.Ping() == nil {
			src.Offline = client
		}
	}
	a.cache = query.New(query.WithSweepInterval(time.Duration(cfg.Cache.SweepInterval)))
	a.q = queries.New(a.cache, src, cfg)
	return ctx, nil
}

func (a *app) teardown(context.Context, *cli.Command) error {
	if a.cache != nil {
		a.cache.Close()
	}
	return logger.Close()
}

// render prints v as indented JSON, or only the value at path when set.
func (a *app) render(v any, path string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err = fmt.Fprintln(a.out, string(b))
		return err
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return fmt.Errorf("path %q not found in result", path)
	}
	_, err = fmt.Fprintln(a.out, res.String())
	return err
}

func (a *app) watch(ctx context.Context, url string, stale time.Duration) error {
	sub, err := a.q.WatchPage(url, query.WithStaleTime(stale))
	if err != nil {
		return err
	}
	defer sub.Close()

	focus := make(chan struct{})
	// The scanner stays blocked in Scan after watch returns; the process
	// exits right after, so the goroutine is left behind.
	go func() {
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case focus <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			fmt.Fprintln(a.out, describe(snap, time.Now()))
		case <-focus:
			if a.q.Refocus() == 0 {
				fmt.Fprintln(a.out, "still fresh")
			}
		}
	}
}

// describe renders one snapshot as a status line.
func describe(s query.Snapshot, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(s.Status.String())
	if ps, ok := query.As[*web.PageSummary](s); ok {
		fmt.Fprintf(&sb, ": %q", ps.Title)
		fmt.Fprintf(&sb, " fetched %s", humanize.RelTime(s.FetchedAt, now, "ago", "from now"))
		if s.Stale {
			sb.WriteString(" (stale)")
		}
	}
	if s.Err != nil {
		fmt.Fprintf(&sb, ": %v", s.Err)
	}
	return sb.String()
}

func oneArg(cmd *cli.Command, name string) (string, error) {
	if cmd.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s", name)
	}
	return cmd.Args().First(), nil
}
