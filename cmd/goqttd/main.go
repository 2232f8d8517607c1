package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/storage/badger"
	"github.com/pyr33x/goqttd/internal/storage/memory"
	"github.com/pyr33x/goqttd/internal/storage/redis"
	"github.com/pyr33x/goqttd/internal/storage/sqlite"
	"github.com/pyr33x/goqttd/internal/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "goqttd",
		Short: "goqttd is an MQTT 3.1.1/5.0 broker",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to config.yml")

	root.AddCommand(serveCmd(), configCheckCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *logger.Logger {
	level := logger.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = logger.LevelDebug
	case "warn":
		level = logger.LevelWarn
	case "error":
		level = logger.LevelError
	}
	return logger.New(logger.Config{
		Level:   level,
		Format:  cfg.Log.Format,
		Service: cfg.Name,
		Version: cfg.Version,
	})
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "validate config.yml without starting the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: listening on :%s\n", cfg.Server.Port)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Println("goqttd (dev)")
				return nil
			}
			fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
			return nil
		},
	}
}

// buildBackends wires the optional persistence backends cfg.Storage
// selects. Any capability left at "memory" (the default) is passed through
// as nil, so broker's own components keep their pure in-memory path
// instead of going through a redundant wrapper (spec.md §4 [EXPANDED]).
func buildBackends(cfg config.Config) (broker.Backends, func(), error) {
	var backends broker.Backends
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch cfg.Storage.Retain {
	case "memory":
		backends.Retain = memory.NewRetain()
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr})
		backends.Retain = redis.NewRetain(client)
		closers = append(closers, func() { client.Close() })
	}

	switch cfg.Storage.Session {
	case "memory":
		backends.Session = memory.NewSession()
	case "badger":
		sess, err := badger.Open(cfg.Storage.BadgerDir)
		if err != nil {
			closeAll()
			return backends, func() {}, fmt.Errorf("open badger: %w", err)
		}
		backends.Session = sess
		closers = append(closers, func() { sess.Close() })
	}

	switch cfg.Storage.Inflight {
	case "memory":
		backends.Inflight = memory.NewInflight()
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.Storage.InflightDB)
		if err != nil {
			closeAll()
			return backends, func() {}, fmt.Errorf("open inflight sqlite db: %w", err)
		}
		inflight, err := sqlite.NewInflight(db)
		if err != nil {
			db.Close()
			closeAll()
			return backends, func() {}, fmt.Errorf("init inflight schema: %w", err)
		}
		backends.Inflight = inflight
		closers = append(closers, func() { db.Close() })
	}

	return backends, closeAll, nil
}

// transportServer is the common surface every transport in internal/transport
// exposes; serveCmd starts and stops whichever ones cfg enables.
type transportServer interface {
	Start(ctx context.Context) error
	Stop() error
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the broker and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			var authDB *sql.DB
			if cfg.Server.AuthDB != "" {
				authDB, err = sql.Open("sqlite3", cfg.Server.AuthDB)
				if err != nil {
					return fmt.Errorf("open auth db: %w", err)
				}
				defer authDB.Close()
			}
			var authStore *auth.Store
			if authDB != nil {
				authStore = auth.NewStore(authDB)
			}
			authFn := transport.AuthFuncFor(authStore)

			backends, closeBackends, err := buildBackends(cfg)
			if err != nil {
				return err
			}
			defer closeBackends()

			global := broker.NewGlobalState(log, backends)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var servers []transportServer

			tcpSrv := transport.New(cfg.Server.Port, global, authFn, log, cfg.Server.MaxConnections)
			servers = append(servers, tcpSrv)

			if cfg.Server.TLS != nil {
				servers = append(servers, transport.NewTLS(cfg.Server.TLS.Addr, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, global, authFn, log, cfg.Server.MaxConnections))
			}
			if cfg.Server.WS != nil {
				servers = append(servers, transport.NewWS(cfg.Server.WS.Addr, cfg.Server.WS.Path, global, authFn, log))
			}
			if cfg.Server.QUIC != nil {
				servers = append(servers, transport.NewQUIC(cfg.Server.QUIC.Addr, cfg.Server.QUIC.CertFile, cfg.Server.QUIC.KeyFile, global, authFn, log))
			}

			for _, s := range servers {
				if err := s.Start(ctx); err != nil {
					return fmt.Errorf("start transport: %w", err)
				}
			}
			log.Info(fmt.Sprintf("listening on :%s (%d transport(s))", cfg.Server.Port, len(servers)))

			done := make(chan struct{})
			go gracefulShutdown(servers, cancel, done)
			<-done
			log.Info("graceful shutdown complete")
			return nil
		},
	}
}

func gracefulShutdown(servers []transportServer, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	defer cancel()
	for _, s := range servers {
		if err := s.Stop(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	time.Sleep(1 * time.Second)
	close(done)
}
