package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/asset_mgmt/overdue"
	"IRIS-lending/internal/borrowers"
	"IRIS-lending/internal/notify"
	"IRIS-lending/internal/platform/config"
	"IRIS-lending/internal/platform/db"
	"IRIS-lending/internal/platform/logger"
)

func main() {
	// 設定読み込み
	path := config.DefaultPath
	if p := os.Getenv("IRIS_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting", zap.String("mode", cfg.Mode), zap.String("store", cfg.Store.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, dir, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	// 通知はキュー経由。送信失敗は業務処理に影響させない
	dispatcher := notify.NewDispatcher(newNotifier(cfg, log), log, notify.DispatcherOptions{
		QueueSize:  cfg.Notify.QueueSize,
		MaxRetries: cfg.Notify.MaxRetries,
		Timeout:    cfg.Notify.Timeout,
	})
	// シグナルとは別の ctx。停止時にキューを送り切るため
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcher.Start(dispatchCtx)

	ledger, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		log.Fatal("open reminder ledger", zap.Error(err))
	}
	defer closeLedger()

	a := newApp(cfg, log, store, dir, dispatcher, ledger)
	r := newRouter(cfg, log, a)

	if cfg.Monitor.Enabled {
		go a.monitor.Run(ctx)
	}
	go a.pruneLimiter(ctx, time.Minute)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cert, key := certFiles(cfg); cert != "" {
			log.Info("listening", zap.String("addr", "https://"+cfg.Server.Addr))
			err = srv.ListenAndServeTLS(cert, key)
		} else {
			log.Warn("no certificate configured; serving plain HTTP", zap.String("addr", cfg.Server.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}

	flushed := make(chan struct{})
	go func() {
		dispatcher.Close()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(10 * time.Second):
		stopDispatch()
		<-flushed
	}
	st := dispatcher.Stats()
	log.Info("notifications flushed",
		zap.Int64("delivered", st.Delivered),
		zap.Int64("failed", st.Failed),
		zap.Int64("dropped", st.Dropped),
	)
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (lendstore.Store, borrowers.Directory, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store; data is lost on restart", zap.Int("seed_borrowers", len(cfg.Store.SeedBorrowers)))
		return lendstore.NewMemStore(), borrowers.NewStaticDirectory(cfg.Store.SeedBorrowers...), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := db.Connect(connectCtx, cfg.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("connected to DB", zap.String("dbname", cfg.DB.DBName))

	if cfg.DB.AutoMigrate {
		if err := lendstore.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated")
	}
	return lendstore.NewMySQLStore(conn), borrowers.NewSQLDirectory(conn), closer(conn, log), nil
}

func closer(conn *sql.DB, log *zap.Logger) func() {
	return func() {
		if err := conn.Close(); err != nil {
			log.Warn("close db", zap.Error(err))
		}
	}
}

func newNotifier(cfg *config.Config, log *zap.Logger) notify.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.NewLogNotifier(log)
	}
	return notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
}

func openLedger(ctx context.Context, cfg *config.Config, log *zap.Logger) (overdue.Ledger, func(), error) {
	if !cfg.Redis.Enabled {
		return overdue.NewMemoryLedger(nil), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	l := overdue.NewRedisLedger(client, cfg.Redis.KeyPrefix)
	return l, func() { _ = l.Close() }, nil
}

// certFiles は dev/release でディレクトリを切り替える
func certFiles(cfg *config.Config) (string, string) {
	c := cfg.Server.Certificate
	if c.Cert == "" || c.Key == "" {
		return "", ""
	}
	dir := "config/tls/release"
	if cfg.Mode == "dev" {
		dir = "config/tls/dev"
	}
	return fmt.Sprintf("%s/%s", dir, c.Cert), fmt.Sprintf("%s/%s", dir, c.Key)
}
