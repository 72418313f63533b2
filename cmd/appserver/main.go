package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	app "github.com/synthmon/platform/internal/app"
	"github.com/synthmon/platform/internal/app/domain/domainmon"
	"github.com/synthmon/platform/internal/app/storage"
	"github.com/synthmon/platform/internal/app/storage/memory"
	"github.com/synthmon/platform/internal/app/storage/postgres"
	"github.com/synthmon/platform/internal/platform/database"
	"github.com/synthmon/platform/internal/platform/migrations"
	"github.com/synthmon/platform/pkg/config"
	"github.com/synthmon/platform/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	domainsPath := flag.String("domains", "", "path to the built-in domain monitor's YAML config")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		cfg.Server.Host, cfg.Server.Port = splitAddr(trimmed, cfg.Server.Host, cfg.Server.Port)
	}

	log_ := logger.New(logger.LoggingConfig(cfg.Logging))

	domainCfg, err := domainmon.LoadFile(resolveDomainsPath(*domainsPath))
	if err != nil {
		log.Fatalf("load domain monitor config: %v", err)
	}

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var (
		store storage.Store
		db    *sql.DB
	)
	if dsnVal != "" {
		conn, err := database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(conn, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, conn); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store = postgres.New(conn)
		db = conn
	} else {
		store = memory.New()
	}

	application, err := app.New(store, domainCfg.Domains, cfg, log_)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.Printf("synthmon listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	if db != nil {
		db.Close()
	}
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func loadConfig(path string) (*config.Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return config.Load()
	}
	if strings.HasSuffix(strings.ToLower(trimmed), ".json") {
		return config.LoadConfig(trimmed)
	}
	return config.LoadFile(trimmed)
}

func resolveDomainsPath(flagPath string) string {
	if trimmed := strings.TrimSpace(flagPath); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv("DOMAINS_CONFIG_PATH"))
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func splitAddr(addr, fallbackHost string, fallbackPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallbackHost, fallbackPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fallbackHost, fallbackPort
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port
}
