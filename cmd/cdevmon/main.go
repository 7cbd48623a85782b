// cdevmon is the operator CLI for a cdev development-agent server: it
// pairs this machine, maintains the WebSocket connection, watches agent
// sessions, and streams server events to stdout as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brianly1003/cdev-ios-sub005/internal/client"
	"github.com/brianly1003/cdev-ios-sub005/internal/config"
	"github.com/brianly1003/cdev-ios-sub005/internal/events"
	"github.com/brianly1003/cdev-ios-sub005/internal/secrets"
	"github.com/brianly1003/cdev-ios-sub005/internal/transport"
)

const version = "0.3.0"

func main() {
	var (
		configPath = flag.String("config", getenv("CDEV_CONFIG", config.DefaultPath()), "config file path")
		serverURL  = flag.String("server-url", "", "cdev server URL (overrides config)")
		runtime    = flag.String("runtime", "", "agent runtime for watch (overrides config)")
		logLevel   = flag.String("log-level", "", "debug|info|warn|error (overrides config)")
		ephemeral  = flag.Bool("ephemeral-secrets", false, "keep tokens in memory instead of the secrets db")
	)
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		cfg, err = config.ApplyEnv(cfg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cdevmon:", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *runtime != "" {
		cfg.Client.Runtime = *runtime
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Events go to stdout, logs to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.Log.Level),
	})))

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	store, closeStore, err := openStore(cfg, *ephemeral)
	if err != nil {
		slog.Error("opening secret store failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	switch cmd := flag.Arg(0); cmd {
	case "pair":
		err = runPair(ctx, cfg, store, flag.Arg(1))
	case "connect":
		err = runStream(ctx, cfg, store, false, "", "")
	case "watch":
		err = runStream(ctx, cfg, store, true, flag.Arg(1), flag.Arg(2))
	case "status":
		err = runStatus(ctx, cfg, store, flag.Arg(1))
	case "revoke":
		err = runRevoke(ctx, cfg, store)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("cdevmon failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cdevmon [flags] <command> [args]

commands:
  pair <code>                    exchange a pairing code for tokens
  connect                        connect and stream all events
  watch <workspace> <session>    connect, watch one session, stream its events
  status [workspace]             show active sessions (and git state)
  revoke                         revoke the refresh token and clear local state

flags:
`)
	flag.PrintDefaults()
}

func openStore(cfg config.Config, ephemeral bool) (secrets.Store, func(), error) {
	if ephemeral || cfg.Secrets.DBPath == "" {
		return secrets.NewMemoryStore(), func() {}, nil
	}
	st, err := secrets.NewSQLiteStore(cfg.Secrets.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

func newEngine(cfg config.Config, store secrets.Store) (*client.Client, error) {
	return client.New(client.Options{
		ServerURL:     cfg.Server.URL,
		APIBase:       cfg.Server.APIBase,
		ClientName:    cfg.Client.Name,
		ClientVersion: version,
		Store:         store,
		CallTimeout:   cfg.Client.CallTimeout.Std(),
	})
}

func runPair(ctx context.Context, cfg config.Config, store secrets.Store, code string) error {
	if code == "" {
		return errors.New("usage: cdevmon pair <code>")
	}
	c, err := newEngine(cfg, store)
	if err != nil {
		return err
	}
	defer c.Close()

	pair, err := c.Pair(ctx, code, cfg.Client.DeviceName)
	if err != nil {
		return err
	}
	fmt.Printf("paired; access token valid until %s\n",
		pair.AccessExpiresAt.Format(time.RFC3339))
	return nil
}

// runStream connects, optionally watches one session, and prints every
// event as a JSON line until interrupted.
func runStream(ctx context.Context, cfg config.Config, store secrets.Store, watching bool, workspaceID, sessionID string) error {
	if watching && (workspaceID == "" || sessionID == "") {
		return errors.New("usage: cdevmon watch <workspace-id> <session-id>")
	}

	c, err := newEngine(cfg, store)
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(os.Stdout)
	cancelEvents := c.Events().Subscribe(func(ev events.Event) {
		if err := enc.Encode(ev); err != nil {
			slog.Warn("writing event failed", "err", err)
		}
	})
	defer cancelEvents()

	cancelStates := c.States().Subscribe(func(st transport.State) {
		slog.Info("connection state", "state", st.String())
	})
	defer cancelStates()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if watching {
		if err := c.Watch(ctx, workspaceID, sessionID, cfg.Client.Runtime); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

// runStatus connects briefly and reports active sessions, plus the git
// state of one workspace when given.
func runStatus(ctx context.Context, cfg config.Config, store secrets.Store, workspaceID string) error {
	c, err := newEngine(cfg, store)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	var (
		sessions []client.SessionInfo
		gitst    client.GitStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessions, err = c.ActiveSessions(gctx)
		return err
	})
	if workspaceID != "" {
		g.Go(func() error {
			var err error
			gitst, err = c.GitStatus(gctx, workspaceID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := struct {
		Sessions []client.SessionInfo `json:"sessions"`
		Git      *client.GitStatus    `json:"git,omitempty"`
	}{Sessions: sessions}
	if workspaceID != "" {
		out.Git = &gitst
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runRevoke(ctx context.Context, cfg config.Config, store secrets.Store) error {
	c, err := newEngine(cfg, store)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Tokens().RevokeRefreshToken(ctx); err != nil {
		return err
	}
	fmt.Println("refresh token revoked, local tokens cleared")
	return nil
}

func getenv(k, fallback string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fallback
}
