// Command gobouncer runs the connection pooler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobouncer/gobouncer/internal/adminapi"
	"github.com/gobouncer/gobouncer/internal/bouncer"
	"github.com/gobouncer/gobouncer/internal/config"
	"github.com/gobouncer/gobouncer/internal/metrics"
)

func main() {
	configPath := flag.String("config", "gobouncer.ini", "path to the pooler config file")
	adminAddr := flag.String("admin-addr", "127.0.0.1:6433", "address for the admin/metrics HTTP server")
	flag.Parse()

	log.Printf("gobouncer starting, config=%s admin=%s", *configPath, *adminAddr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	m := metrics.New()
	b := bouncer.New(m)
	applyConfig(b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	listenAddr := fmt.Sprintf("%s:%d", orDefault(cfg.Pgbouncer.ListenAddr, "0.0.0.0"), orDefaultInt(cfg.Pgbouncer.ListenPort, 6432))
	ln, err := b.Listen(listenAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", listenAddr, err)
	}
	slog.Info("listening for clients", "addr", listenAddr)

	reload := func() error {
		fresh, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		applyConfig(b, fresh)
		return nil
	}
	watcher, err := config.NewWatcher(*configPath, func(fresh *config.Config) {
		applyConfig(b, fresh)
	})
	if err != nil {
		slog.Warn("config watcher not started", "err", err)
	}

	api := adminapi.New(b, reload)
	if err := api.Start(*adminAddr); err != nil {
		log.Fatalf("admin server: %v", err)
	}
	slog.Info("admin API listening", "addr", *adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	if watcher != nil {
		watcher.Stop()
	}
	api.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	ln.Stop(stopCtx)
	stopCancel()
	cancel()
}

// applyConfig pushes a parsed config into the running Bouncer: new or
// changed databases and users are registered, which marks changed
// databases dirty so the janitor reconnects their pools.
func applyConfig(b *bouncer.Bouncer, cfg *config.Config) {
	for name, pass := range cfg.Users {
		b.SetUser(&bouncer.PgUser{Name: name, Password: pass})
	}
	for name, db := range cfg.Databases {
		user := &bouncer.PgUser{Name: db.User, Password: db.Password}
		b.SetDatabase(&bouncer.PgDatabase{
			Name:                 name,
			Host:                 db.Host,
			Port:                 db.Port,
			DBName:               db.DBName,
			User:                 user,
			ForceUser:            db.User != "",
			PoolSize:             orInt(db.PoolSize, cfg.Pgbouncer.DefaultPoolSize),
			ConnectTimeout:       15 * time.Second,
			ServerIdleTimeout:    cfg.Pgbouncer.ServerIdleTimeout,
			ServerLifetime:       cfg.Pgbouncer.ServerLifetime,
			ServerCheckQuery:     cfg.Pgbouncer.ServerCheckQuery,
			ServerCheckDelay:     cfg.Pgbouncer.ServerCheckDelay,
			QueryTimeout:         cfg.Pgbouncer.QueryTimeout,
			ClientIdleTimeout:    cfg.Pgbouncer.ClientIdleTimeout,
			ServerConnectTimeout: cfg.Pgbouncer.ServerConnectTimeout,
		})
	}
	b.SetPgbouncerConfig(cfg.Pgbouncer.ClientLoginTimeout, cfg.Pgbouncer.AutodbIdleTimeout)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}

func orInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}
