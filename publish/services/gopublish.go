package services

import (
	"log"
	"net/http"
	"os"
	"time"

	"gopublish/publish/auth"
	"gopublish/publish/directory"
	"gopublish/publish/queue"
	"gopublish/publish/repo"
	"gopublish/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type Gopublish struct {
	file  FileService
	tag   TagService
	token TokenService

	db   *gorm.DB
	stop chan bool
}

func NewGopublish(
	db *gorm.DB, registry *repo.Registry, taskQueue queue.Queue, dir directory.Directory, tokens *auth.TokenManager,
) Gopublish {
	return Gopublish{
		file: FileService{
			db:       db,
			registry: registry,
			queue:    taskQueue,
			dir:      dir,
			tokens:   tokens,
		},
		tag:   TagService{db: db, tokens: tokens},
		token: TokenService{dir: dir, tokens: tokens},
		db:    db,
		stop:  make(chan bool, 1),
	}
}

func (g *Gopublish) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/file", g.file.Routes())
	r.Mount("/tag", g.tag.Routes())
	r.Mount("/token", g.token.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// TaskJanitor periodically returns tasks stranded on dead workers to the
// queue. Runs until StopTaskJanitor is called.
func (g *Gopublish) TaskJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			queue.RequeueOrphans(g.db)
		case <-g.stop:
			return
		}
	}
}

func (g *Gopublish) StopTaskJanitor() {
	close(g.stop)
}
