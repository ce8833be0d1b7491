package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"sitecms/api/internal/app"
	"sitecms/api/internal/authpw"
	"sitecms/api/internal/config"
	"sitecms/api/internal/docsync"
	"sitecms/api/internal/document"
	"sitecms/api/internal/email"
	"sitecms/api/internal/history"
	"sitecms/api/internal/notify"
	"sitecms/api/internal/rbac"
	"sitecms/api/internal/remote"
	"sitecms/api/internal/session"
	"sitecms/api/internal/store"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of this password and exit")
	flag.Parse()
	defer glog.Flush()

	if *hashPassword != "" {
		hash, err := authpw.HashPassword(*hashPassword)
		if err != nil {
			glog.Exitf("hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	if err := config.LoadDotEnv(); err != nil {
		glog.Exitf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	ctx := context.Background()

	remoteStore, revocations, err := openRemote(ctx, cfg)
	if err != nil {
		glog.Exitf("remote store: %v", err)
	}
	defer remoteStore.Close()

	operators, err := loadOperators(cfg)
	if err != nil {
		glog.Exitf("operators: %v", err)
	}
	if operators.Len() == 0 {
		glog.Warning("no operators configured; sign-in will fail until ADMIN_EMAIL or OPERATORS is set")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		SiteName: cfg.SiteName,
	})
	if !mailer.IsConfigured() {
		glog.Warning("SMTP not configured; approval notices will not be sent")
	}

	recorder := history.New(cfg.HistoryDir)
	service := app.New(app.Options{
		JWTSecret: cfg.JWTSecret,
		AccessTTL: cfg.AccessTTL,
		Save: docsync.Options{
			WriteTimeout: cfg.SaveWriteTimeout,
			SavedDisplay: cfg.SavedDisplay,
			ErrorDisplay: cfg.ErrorDisplay,
		},
		AttemptDisplay: cfg.NotificationDisplay,
	}, app.Deps{
		Remote:      remoteStore,
		Dispatcher:  notify.NewDispatcher(remoteStore, mailer, cfg.SiteName),
		History:     recorder,
		Operators:   operators,
		Revocations: revocations,
	})
	if err := service.Start(ctx); err != nil {
		glog.Exitf("start: %v", err)
	}
	defer service.Stop()

	if err := recorder.Ensure(service.Document().Working, "import"); err != nil {
		glog.Errorf("history disabled: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	defer httpServer.Close()
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		glog.Infof("content console API listening on %s backend=%s", cfg.Addr, cfg.RemoteBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Exitf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("shutdown error: %v", err)
	}
}

func openRemote(ctx context.Context, cfg config.Config) (remote.Store, session.RevocationStore, error) {
	switch cfg.RemoteBackend {
	case config.BackendRedis:
		contentStore, err := remote.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		revocations, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			_ = contentStore.Close()
			return nil, nil, err
		}
		glog.Info("using redis for content and signed-out tokens")
		return contentStore, revocations, nil

	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return remote.NewPostgresStore(db), session.NewMemoryStore(), nil

	default:
		seed, err := loadSeed(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		glog.Warning("using the in-memory remote store; content is lost on restart")
		return remote.NewMemoryStore(seed), session.NewMemoryStore(), nil
	}
}

func loadSeed(path string) (document.Snapshot, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed document.Snapshot
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return seed, nil
}

func loadOperators(cfg config.Config) (*authpw.StaticDirectory, error) {
	operators, err := authpw.ParseOperators(cfg.Operators)
	if err != nil {
		return nil, err
	}
	if cfg.AdminEmail != "" && cfg.AdminPasswordHash != "" {
		operators = append(operators, authpw.Operator{
			Email:        cfg.AdminEmail,
			Role:         rbac.RoleAdmin,
			PasswordHash: cfg.AdminPasswordHash,
		})
	}
	return authpw.NewStaticDirectory(operators...), nil
}
