package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pyr33x/goqtt-core/internal/acl"
	"github.com/pyr33x/goqtt-core/internal/auth"
	"github.com/pyr33x/goqtt-core/internal/broker"
	"github.com/pyr33x/goqtt-core/internal/config"
	appLogger "github.com/pyr33x/goqtt-core/internal/logger"
	"github.com/pyr33x/goqtt-core/internal/pluginhost"
	"github.com/pyr33x/goqtt-core/internal/transport"
)

func gracefulShutdown(servers []*transport.TCPServer, b *broker.Broker, registries []*pluginhost.Registry, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	for _, srv := range servers {
		if err := srv.Stop(); err != nil {
			log.Println(err)
		}
	}
	b.Close()
	for _, registry := range registries {
		if err := registry.Close(); err != nil {
			log.Println(err)
		}
	}
	time.Sleep(1 * time.Second)

	close(done)
}

// defaultListener turns the top-level Server block into the same
// ListenerConfig shape per-listener overrides use, so cfg.SecurityFor and
// cfg.PluginsFor can resolve it exactly like any entry in cfg.Listeners.
func defaultListener(cfg *config.Config) config.ListenerConfig {
	name := cfg.Server.Name
	if name == "" {
		name = "default"
	}
	return config.ListenerConfig{Name: name, Port: cfg.Server.Port}
}

func main() {
	done := make(chan struct{}, 1)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Panicf("failed to load config: %v", err)
	}

	appLog := appLogger.New(appLogger.Config{
		Level:     appLogger.LevelInfo,
		Format:    "json",
		Component: "goqtt-core",
		Service:   cfg.Name,
		Version:   cfg.Version,
	})

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "./store/store.db"
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		log.Panicf("Failed to open sqlite db: %v", err)
	}

	authStore := auth.NewStore(db)
	defaultAuthorizer := acl.NewDefaultAuthorizer(authStore)

	// Every listener gets its own plugin registry and ACL pipeline, built
	// from cfg.SecurityFor/PluginsFor the way mosquitto resolves
	// listener->security_options when per_listener_settings is on. The
	// default (non per-listener) Server block is folded in as an ordinary
	// listener so the two code paths never diverge.
	listeners := append([]config.ListenerConfig{defaultListener(cfg)}, cfg.Listeners...)

	pipelines := make(map[string]*acl.Pipeline, len(listeners))
	var registries []*pluginhost.Registry
	var servers []*transport.TCPServer

	// The broker-wide delivery knobs (retain-source checking, QoS upgrade)
	// come from whichever listener's security block backs the "" fallback
	// pipeline below; per_listener_settings only varies the ACL/plugin
	// chain, not these delivery-path behaviors.
	var brokerCfg broker.Config

	for i, lc := range listeners {
		sec := cfg.SecurityFor(lc)
		pluginConfigs := cfg.PluginsFor(lc)

		loader := pluginhost.NewInProcessLoader()
		registry := pluginhost.New(loader, appLog)
		for _, pc := range pluginConfigs {
			if err := registry.Load(pc.Path, pc.Options, pc.DenySpecialChars); err != nil {
				appLog.LogError(err, "plugin load failed", slog.String("path", pc.Path), slog.String("listener", lc.Name))
			}
		}
		registries = append(registries, registry)

		chain := append([]acl.Authorizer{defaultAuthorizer}, registry.Authorizers()...)
		pipeline := acl.New(chain...)
		pipelines[lc.Name] = pipeline
		if i == 0 {
			// The default listener also backs the "" fallback entry, used
			// by any session whose Listener field doesn't match a name
			// (single-listener deployments with per_listener_settings off).
			pipelines[""] = pipeline
			brokerCfg = broker.Config{
				CheckRetainSource:  sec.CheckRetainSource,
				UpgradeOutgoingQoS: sec.UpgradeOutgoingQoS,
			}
		}
	}

	b := broker.New(pipelines, registries, appLog, brokerCfg)

	ctx, cancel := context.WithCancel(context.Background())

	for _, lc := range listeners {
		srv := transport.New(lc.Port, lc.Name, b, appLog)
		servers = append(servers, srv)

		go func(srv *transport.TCPServer, name, port string) {
			if err := srv.Start(ctx); err != nil {
				log.Fatalf("server error: %v", err)
			}
		}(srv, lc.Name, lc.Port)
		log.Printf("Server %q started listening at %s\n", lc.Name, lc.Port)
	}

	go gracefulShutdown(servers, b, registries, cancel, done)

	<-done
	log.Println("Graceful shutdown complete.")
}
