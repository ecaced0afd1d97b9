package main

import (
	"context"
	"crypto/tls"
	"fmt"
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

	"boardsync/api"
	"boardsync/auth"
	"boardsync/backend"
	"boardsync/store"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	boardID := os.Getenv("BOARD_ID")
	if boardID == "" {
		logger.Fatal("missing BOARD_ID")
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		logger.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))
	remote := backend.NewRedis(rc, logger)

	authClient, err := newAuthClient()
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	email := os.Getenv("BOARD_USER_EMAIL")
	password := os.Getenv("BOARD_USER_PASSWORD")
	if email == "" || password == "" {
		logger.Fatal("missing sign-in credentials")
	}
	if !authClient.SignIn(ctx, email, password) {
		logger.Fatalf("sign in: %s", authClient.Err())
	}

	boardStore := store.NewBoard()
	syncStore := store.NewSync(remote, boardStore, logger)
	collab := store.NewCollab(remote, authClient, logger, envDuration("PRESENCE_INTERVAL", 30*time.Second, logger))

	syncCleanup, err := syncStore.Start(ctx, boardID)
	if err != nil {
		logger.Fatalf("board subscriptions: %v", err)
	}
	collabCleanup, err := collab.InitializeRealtimeUpdates(ctx, boardID)
	if err != nil {
		syncCleanup()
		logger.Fatalf("collab subscriptions: %v", err)
	}
	if err := collab.StartPresenceTracking(ctx, "board"); err != nil {
		logger.Fatalf("presence: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, syncStore, collab, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.Infof("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Teardown order matters: the offline presence write must land
	// before the subscriptions and the server go away.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := collab.StopPresenceTracking(shutdownCtx); err != nil {
		logger.Errorf("presence teardown: %v", err)
	}
	collabCleanup()
	syncCleanup()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	if err := rc.Close(); err != nil {
		logger.Errorf("redis close: %v", err)
	}
}

// redisOptions accepts either a redis URL or an Azure-style
// comma-separated connection string.
func redisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
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

func newAuthClient() (*auth.Client, error) {
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		secret := os.Getenv("AUTH_TEST_SECRET")
		if secret == "" {
			return nil, fmt.Errorf("missing AUTH_TEST_SECRET")
		}
		return auth.NewClient(auth.Config{
			TokenURL:   os.Getenv("AUTH_TOKEN_URL"),
			SignupURL:  os.Getenv("AUTH_SIGNUP_URL"),
			ClientID:   os.Getenv("AUTH_CLIENT_ID"),
			Audience:   os.Getenv("AUTH_AUDIENCE"),
			Issuer:     os.Getenv("AUTH_ISSUER"),
			TestSecret: []byte(secret),
		})
	}

	domainName := os.Getenv("AUTH_DOMAIN")
	audience := os.Getenv("AUTH_AUDIENCE")
	clientID := os.Getenv("AUTH_CLIENT_ID")
	if domainName == "" || audience == "" || clientID == "" {
		return nil, fmt.Errorf("missing auth config")
	}
	return auth.NewClient(auth.Config{
		TokenURL:  fmt.Sprintf("https://%s/oauth/token", domainName),
		SignupURL: fmt.Sprintf("https://%s/dbconnections/signup", domainName),
		ClientID:  clientID,
		Audience:  audience,
		Issuer:    "https://" + domainName + "/",
		JWKSURL:   fmt.Sprintf("https://%s/.well-known/jwks.json", domainName),
	})
}

func envDuration(name string, fallback time.Duration, logger *log.Logger) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Fatalf("invalid %s: %q", name, v)
	}
	return d
}
