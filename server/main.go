package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"duel-ladder/server/rater"
	"duel-ladder/server/store"
)

func mustEnv(log *slog.Logger, keys ...string) {
	for _, k := range keys {
		if os.Getenv(k) == "" {
			log.Error("missing required env var, put it in .env (dev) or set it on the host (prod)", "key", k)
			os.Exit(1)
		}
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoiDef(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func asBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func loadConfig() rater.Config {
	cfg := rater.DefaultConfig()
	cfg.RatingPeriodSeconds = int64(atoiDef(os.Getenv("RATING_PERIOD_SECONDS"), int(cfg.RatingPeriodSeconds)))
	cfg.CharCount = atoiDef(os.Getenv("CHAR_COUNT"), cfg.CharCount)
	cfg.Strict = asBool(os.Getenv("STRICT_MATCHES"))
	return cfg
}

func main() {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if asBool(os.Getenv("DEBUG")) {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(log)

	var migrate, once bool
	for _, a := range os.Args[1:] {
		switch a {
		case "--migrate":
			migrate = true
		case "--once":
			once = true
		}
	}

	mustEnv(log, "DATABASE_URL")
	dsn := getenv("DATABASE_URL", "")
	port := getenv("PORT", "8080")

	db, err := store.Open(dsn)
	if err != nil {
		log.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if migrate || asBool(os.Getenv("AUTO_MIGRATE")) {
		if err := store.Migrate(context.Background(), db); err != nil {
			log.Error("migrate", "err", err)
			os.Exit(1)
		}
		log.Info("migrated")
		if migrate {
			return
		}
	}

	cfg := loadConfig()
	rt := rater.New(db, cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if once {
		ran, err := rt.Tick(ctx, time.Now().Unix())
		if err != nil {
			log.Error("rating run", "err", err)
			os.Exit(1)
		}
		if !ran {
			log.Info("no completed rating period, nothing to do")
		}
		return
	}

	tick := time.Duration(atoiDef(os.Getenv("TICK_SECONDS"), 60)) * time.Second
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			if _, err := rt.Tick(ctx, time.Now().Unix()); err != nil && err != rater.ErrRunning {
				log.Error("rating run", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      Router(db, rt, cfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server", "err", err)
		os.Exit(1)
	}
}
