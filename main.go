package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/matchnow/backend/store"
)

func main() {
	cfg, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	setupLogger(cfg.Log.Level)

	if cfg.JWT.Secret != "" {
		jwtSecret = []byte(cfg.JWT.Secret)
	} else {
		log.Warn().Msg("JWT_SECRET not set, using development default")
	}

	if cfg.Database.URL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("opening database")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("pinging database")
	}
	defer db.Close()

	st, err := store.NewPostgres(db)
	if err != nil {
		log.Fatal().Err(err).Msg("preparing document store")
	}

	var presence Presence
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping().Err(); err != nil {
			log.Fatal().Err(err).Msg("pinging redis")
		}
		presence = NewRedisPresence(client)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-process presence")
		presence = newMemoryPresence()
	}

	var uploader Uploader
	if cfg.S3.Bucket != "" {
		uploader, err = NewS3Uploader(context.Background(), cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("configuring S3 uploader")
		}
	} else {
		log.Warn().Msg("S3_BUCKET not set, photo uploads disabled")
	}

	var geocoder ReverseGeocoder
	if cfg.Geocoder.BaseURL != "" {
		geocoder = NewHTTPGeocoder(cfg.Geocoder.BaseURL)
	}

	polls := NewPollService(st)
	matches := NewMatchService(st)
	chats := NewChatService(st)
	hub := newHub()
	defer hub.Stop()

	mux := http.NewServeMux()

	// Auth
	mux.Handle("/register", registerHandler(st))
	mux.Handle("/login", loginHandler(st))

	// Profile
	mux.Handle("/me/profile", myProfileHandler(st, geocoder))
	mux.Handle("/me/photos", photoUploadHandler(st, uploader))
	mux.Handle("/me/ping", pingHandler(presence))
	mux.Handle("/users/", usersDispatcher(st, presence))

	// Daily poll
	mux.Handle("/poll/today", pollTodayHandler(polls))
	mux.Handle("/poll/today/vote", pollVoteHandler(polls))
	mux.Handle("/polls", createPollHandler(polls, hub))

	// Matching
	mux.Handle("/matches", matchesHandler(matches))
	mux.Handle("/matches/", likeHandler(matches)) // POST /matches/{id}/like

	// Chat
	mux.Handle("/chats/", chatsDispatcher(chats, presence))
	mux.Handle("/ws/chat", wsChatHandler(chats, hub))

	// Geocoding
	mux.Handle("/geocode/reverse", reverseGeocodeHandler(geocoder))

	// Health check endpoint for Docker
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	handler := withCORS(cfg.Server.CORSOrigins, withDataLoaders(st, mux))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server exited")
}

// setupLogger configures zerolog
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
