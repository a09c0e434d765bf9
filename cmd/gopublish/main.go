package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopublish/publish/auth"
	"gopublish/publish/directory"
	"gopublish/publish/queue"
	"gopublish/publish/repo"
	"gopublish/publish/schema"
	"gopublish/publish/services"
	"gopublish/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type serverEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`

	ReposConfig string `env:"REPOS_CONFIG" envDefault:"repos.yml"`

	// Static user directory file. When unset every credential is accepted,
	// which is only acceptable outside production.
	UsersFile string `env:"USERS_FILE"`

	JwtSecret     string        `env:"JWT_SECRET,required"`
	AdminUsers    []string      `env:"ADMIN_USERS" envSeparator:","`
	TokenDuration time.Duration `env:"TOKEN_DURATION" envDefault:"24h"`

	CorsOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	LogFile string `env:"LOG_FILE"`

	// Strict repository loading: missing roots are a startup error instead
	// of being created.
	Production bool `env:"PRODUCTION"`
}

/**
 * ==========================================================================
 * ==== All variables used by the gopublish server must be loaded here.  ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
func loadEnv(envFile string) serverEnv {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading .env file '%v': %v", envFile, err)
		}
	}

	cfg := serverEnv{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error loading environment variables: %v", err)
	}
	return cfg
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}
	return db
}

func loadDirectory(usersFile string) directory.Directory {
	if usersFile == "" {
		slog.Warn("no users file configured, accepting any credentials")
		return directory.OpenDirectory{}
	}

	dir, err := directory.LoadStatic(usersFile)
	if err != nil {
		log.Fatalf("error loading user directory: %v", err)
	}
	return dir
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	cfg := loadEnv(*envFile)

	if err := logging.Setup(cfg.LogFile, "api"); err != nil {
		log.Fatalf("error initializing logging: %v", err)
	}

	db := initDb(postgresDsn(cfg.DatabaseUri))

	// The api server never writes into public folders, so the writability
	// probe is skipped here. Workers run it at startup instead.
	registry, err := repo.Load(cfg.ReposConfig, repo.LoadOptions{Strict: cfg.Production, CheckWrites: false})
	if err != nil {
		log.Fatalf("error loading repository config: %v", err)
	}

	tokens := auth.NewTokenManager([]byte(cfg.JwtSecret), cfg.AdminUsers, cfg.TokenDuration)

	gopublish := services.NewGopublish(db, registry, queue.New(db), loadDirectory(cfg.UsersFile), tokens)

	go gopublish.TaskJanitor(queue.LivenessWindow)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api", gopublish.Routes())
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: r}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		slog.Info("shutting down", "signal", sig)
		gopublish.StopTaskJanitor()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	}()

	slog.Info("starting server", "port", *port)
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
