package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"chatserver/internal/adminapi"
	"chatserver/internal/conn"
	"chatserver/internal/metrics"
	"chatserver/internal/qos"
	"chatserver/internal/room"
	"chatserver/internal/tlsconfig"
	"chatserver/internal/userstore"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	// Check for CLI subcommands before parsing the serve-mode flags.
	if len(os.Args) > 1 {
		cliDB := "chatserver.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", "0.0.0.0:8888", "TLS listen address for the chat protocol")
	apiAddr := flag.String("api-addr", ":8089", "admin HTTP API listen address (empty to disable)")
	dbPath := flag.String("db", "chatserver.db", "SQLite database path")
	certPath := flag.String("cert", "", "PEM certificate path (empty to self-sign)")
	keyPath := flag.String("key", "", "PEM private key path (empty to self-sign)")
	maxConcurrent := flag.Int("max-concurrent", 32, "maximum simultaneously dispatched messages")
	msgRate := flag.Float64("msg-rate", 20, "per-connection ingress rate limit, messages/sec (0 disables)")
	msgBurst := flag.Int("msg-burst", 40, "per-connection ingress burst size")
	reaperTick := flag.Duration("reaper-tick", 30*time.Second, "liveness reaper sweep interval")
	staleAfter := flag.Duration("stale-after", 60*time.Second, "idle duration before a connection is reaped")
	flag.Parse()

	users, err := userstore.Open(*dbPath)
	if err != nil {
		slog.Error("open userstore", "err", err)
		os.Exit(1)
	}
	defer users.Close()

	hostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil {
		hostname = host
	}
	tlsCfg, err := tlsconfig.LoadOrGenerate(*certPath, *keyPath, hostname)
	if err != nil {
		slog.Error("load tls config", "err", err)
		os.Exit(1)
	}

	rooms := room.NewRegistry()
	sched := qos.NewScheduler(*maxConcurrent)
	defer sched.Close()
	m := metrics.NewCounter()

	srv := conn.NewServer(users, rooms, sched, m, conn.Config{
		MsgRate:    *msgRate,
		MsgBurst:   *msgBurst,
		ReaperTick: *reaperTick,
		StaleAfter: *staleAfter,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if *apiAddr != "" {
		api := adminapi.New(rooms, m, srv.ConnectionCount)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				slog.Error("admin api server error", "err", err)
			}
		}()
		slog.Info("admin api listening", "addr", *apiAddr)
	}

	ln, err := tls.Listen("tcp", *addr, tlsCfg)
	if err != nil {
		slog.Error("listen", "addr", *addr, "err", err)
		os.Exit(1)
	}
	slog.Info("chat server listening", "addr", *addr, "version", Version)

	if err := srv.Serve(ctx, ln); err != nil {
		slog.Error("serve", "err", err)
		os.Exit(1)
	}
}
