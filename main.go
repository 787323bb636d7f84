package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/api"
	"board-sync/session"
	"board-sync/storage"
	"board-sync/subscription"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	columnsTableName := os.Getenv("COLUMNS_TABLE")
	tasksTableName := os.Getenv("TASKS_TABLE")
	if connStr == "" || columnsTableName == "" || tasksTableName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, columnsTableName, tasksTableName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	logger := log.StandardLogger()
	cache := storage.NewCache(store, rc, durationEnv("BOARD_CACHE_TTL", time.Minute))
	writer := storage.NewNotifyingWriter(store, storage.NewPublisher(rc), cache, logger)
	stream := subscription.NewRedisStream(rc, logger, subscription.WithBackoff(
		durationEnv("SUBSCRIBE_RETRY_INITIAL", 500*time.Millisecond),
		durationEnv("SUBSCRIBE_RETRY_MAX", 30*time.Second),
	))

	sess := session.New(session.Deps{
		Loader: cache,
		Writer: writer,
		Stream: stream,
		Logger: logger,
	}, session.WithWriteTimeout(durationEnv("WRITE_TIMEOUT", 10*time.Second)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if boardID := os.Getenv("BOARD_ID"); boardID != "" {
		if err := sess.Open(ctx, boardID); err != nil {
			log.Fatalf("open board %s: %v", boardID, err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "Idempotency-Key"},
	}))

	api.Register(e, sess, api.NewRedisDeduper(rc, durationEnv("DEDUPER_TTL", 24*time.Hour)), logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("BOARD_SYNC_PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := sess.Close(); err != nil {
		log.WithError(err).Warn("session close")
	}
	if err := rc.Close(); err != nil {
		log.WithError(err).Warn("redis close")
	}
}

func durationEnv(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

// redisOptions accepts either a redis:// URL or the
// "host:port,password=...,ssl=true" form.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
