package tests

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gopublish/publish/auth"
	"gopublish/publish/directory"
	"gopublish/publish/notify"
	"gopublish/publish/queue"
	"gopublish/publish/repo"
	"gopublish/publish/schema"
	"gopublish/publish/services"
	"gopublish/publish/worker"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type archiveStub struct {
	requests []string
	err      error
}

func (a *archiveStub) RequestRetrieval(path, notifyEmail string) error {
	if a.err != nil {
		return a.err
	}
	a.requests = append(a.requests, path)
	return nil
}

type testEnv struct {
	gopublish services.Gopublish
	api       http.Handler
	db        *gorm.DB
	pipeline  *worker.Pipeline
	archive   *archiveStub
	notifier  *notify.Recorder

	// Repository roots, symlink-resolved. copyRoot copies artifacts, moveRoot
	// moves them and declares archive support.
	copyRoot string
	moveRoot string
	public   string
}

const baseUrl = "http://gopublish.test"

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	copyRoot := filepath.Join(dir, "copyrepo")
	moveRoot := filepath.Join(dir, "moverepo")
	public := filepath.Join(dir, "public")

	configPath := filepath.Join(dir, "repos.yml")
	content := fmt.Sprintf(`
%v:
  public_folder: %v
  copy_files: true
%v:
  public_folder: %v
  has_baricadr: true
`, copyRoot, public, moveRoot, public)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	registry, err := repo.Load(configPath, repo.LoadOptions{CheckWrites: true})
	if err != nil {
		t.Fatal(err)
	}
	if copyRoot, err = filepath.EvalSymlinks(copyRoot); err != nil {
		t.Fatal(err)
	}
	if moveRoot, err = filepath.EvalSymlinks(moveRoot); err != nil {
		t.Fatal(err)
	}

	uid := strconv.Itoa(os.Getuid())
	userDir := &directory.StaticDirectory{
		Users: map[string]directory.UserRecord{
			"alice": {UserId: uid, GroupNames: []string{"science"}},
			"bob":   {UserId: "99999", GroupNames: []string{"externs"}},
			"admin": {UserId: "88888"},
		},
		Passwords: map[string]string{
			"alice": "alice_password",
			"bob":   "bob_password",
			"admin": "admin_password",
		},
	}

	tokens := auth.NewTokenManager([]byte("290zcv02ai249"), []string{"admin"}, time.Hour)

	gopublish := services.NewGopublish(db, registry, queue.New(db), userDir, tokens)

	// The publish endpoint refuses requests unless a worker has recently
	// reported in.
	queue.Heartbeat(db, "test-worker")

	archive := &archiveStub{}
	notifier := &notify.Recorder{}

	return &testEnv{
		gopublish: gopublish,
		api:       gopublish.Routes(),
		db:        db,
		pipeline:  worker.NewPipeline(db, registry, archive, notifier, baseUrl),
		archive:   archive,
		notifier:  notifier,
		copyRoot:  copyRoot,
		moveRoot:  moveRoot,
		public:    public,
	}
}

// runTasks drains the queue synchronously, standing in for the worker
// process. Task failures are recorded in the task rows, as in production.
func (env *testEnv) runTasks(t *testing.T) {
	for {
		task, err := queue.Claim(env.db, "test-worker")
		if err != nil {
			if errors.Is(err, schema.ErrTaskNotFound) {
				return
			}
			t.Fatal(err)
		}
		queue.Finish(env.db, task.Id, env.pipeline.Run(task))
	}
}

func (env *testEnv) newClient(t *testing.T, username string) client {
	c := client{api: env.api}
	if err := c.login(username, username+"_password"); err != nil {
		t.Fatal(err)
	}
	return c
}

func (env *testEnv) writeSource(t *testing.T, root, name, content string) string {
	path := filepath.Join(root, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (env *testEnv) record(t *testing.T, id interface{}) schema.PublishedFile {
	var file schema.PublishedFile
	if err := env.db.Preload("Tags").First(&file, "id = ?", id).Error; err != nil {
		t.Fatal(err)
	}
	return file
}
