package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopublish/publish/archive"
	"gopublish/publish/notify"
	"gopublish/publish/repo"
	"gopublish/publish/schema"
	"gopublish/publish/worker"
	"gopublish/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type workerEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`

	ReposConfig string `env:"REPOS_CONFIG" envDefault:"repos.yml"`

	BaricadrUrl      string `env:"BARICADR_URL"`
	BaricadrUser     string `env:"BARICADR_USER"`
	BaricadrPassword string `env:"BARICADR_PASSWORD"`

	// Public base url of the api server, used in notification links.
	BaseUrl string `env:"BASE_URL" envDefault:"http://localhost:8000"`

	Workers      int           `env:"WORKERS" envDefault:"4"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`

	LogFile string `env:"LOG_FILE"`

	Production bool `env:"PRODUCTION"`
}

func loadEnv(envFile string) workerEnv {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading .env file '%v': %v", envFile, err)
		}
	}

	cfg := workerEnv{}
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

func archiveClient(cfg workerEnv) archive.Client {
	if cfg.BaricadrUrl == "" {
		return archive.Disabled{}
	}

	client := archive.NewHTTPClient(cfg.BaricadrUrl, cfg.BaricadrUser, cfg.BaricadrPassword)
	if err := client.CheckVersion(); err != nil {
		log.Fatalf("error reaching archive service at %v: %v", cfg.BaricadrUrl, err)
	}
	return client
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	flag.Parse()

	cfg := loadEnv(*envFile)

	if err := logging.Setup(cfg.LogFile, "worker"); err != nil {
		log.Fatalf("error initializing logging: %v", err)
	}

	db, err := gorm.Open(postgres.Open(postgresDsn(cfg.DatabaseUri)), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}
	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	// Workers write into public folders, so the writability probe runs here.
	registry, err := repo.Load(cfg.ReposConfig, repo.LoadOptions{Strict: cfg.Production, CheckWrites: true})
	if err != nil {
		log.Fatalf("error loading repository config: %v", err)
	}

	pipeline := worker.NewPipeline(db, registry, archiveClient(cfg), notify.LogNotifier{}, cfg.BaseUrl)
	pool := worker.NewPool(db, pipeline, cfg.Workers)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		slog.Info("shutting down", "signal", sig)
		pool.Stop()
	}()

	pool.Run(cfg.PollInterval)
}
