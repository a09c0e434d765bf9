package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopublish/publish/notify"
	"gopublish/publish/queue"
	"gopublish/publish/repo"
	"gopublish/publish/schema"

	"github.com/google/uuid"
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

type pipelineEnv struct {
	db       *gorm.DB
	registry *repo.Registry
	archive  *archiveStub
	notifier *notify.Recorder
	pipeline *Pipeline

	copyRoot string
	moveRoot string
	public   string
}

func setupPipeline(t *testing.T) *pipelineEnv {
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

	content := fmt.Sprintf(`
%v:
  public_folder: %v
  copy_files: true
%v:
  public_folder: %v
  has_baricadr: true
`, copyRoot, public, moveRoot, public)

	registry, err := repo.Parse([]byte(content), repo.LoadOptions{CheckWrites: true})
	if err != nil {
		t.Fatal(err)
	}

	// Roots are symlink-resolved by the registry; records must reference the
	// resolved form.
	if copyRoot, err = filepath.EvalSymlinks(copyRoot); err != nil {
		t.Fatal(err)
	}
	if moveRoot, err = filepath.EvalSymlinks(moveRoot); err != nil {
		t.Fatal(err)
	}

	archive := &archiveStub{}
	notifier := &notify.Recorder{}

	return &pipelineEnv{
		db:       db,
		registry: registry,
		archive:  archive,
		notifier: notifier,
		pipeline: NewPipeline(db, registry, archive, notifier, "http://gopublish.test"),
		copyRoot: copyRoot,
		moveRoot: moveRoot,
		public:   public,
	}
}

func (env *pipelineEnv) newRecord(t *testing.T, root, name, content string) (schema.PublishedFile, string) {
	source := filepath.Join(root, name)
	if err := os.WriteFile(source, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	file := schema.PublishedFile{
		Id:             uuid.New(),
		FileName:       name,
		RepoPath:       root,
		Version:        1,
		Status:         schema.Creating,
		Owner:          "alice",
		Contact:        "alice@mail.com",
		PublishingDate: time.Now().UTC(),
	}
	if err := env.db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	return file, source
}

func (env *pipelineEnv) reload(t *testing.T, id uuid.UUID) schema.PublishedFile {
	file, err := schema.GetFile(id, env.db, false)
	if err != nil {
		t.Fatal(err)
	}
	return file
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestPublishCopy(t *testing.T) {
	env := setupPipeline(t)
	file, source := env.newRecord(t, env.copyRoot, "data.txt", "copy repo content")

	err := env.pipeline.Publish(uuid.New(), queue.PublishPayload{
		FileId: file.Id, SourcePath: source, NotifyEmail: "alice@mail.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	got := env.reload(t, file.Id)
	if got.Status != schema.Available {
		t.Fatalf("expected available, got %v (error: %v)", got.Status, got.Error)
	}
	if got.Hash != sha256Hex("copy repo content") {
		t.Fatalf("wrong hash: %v", got.Hash)
	}
	if got.Size != int64(len("copy repo content")) {
		t.Fatalf("wrong size: %v", got.Size)
	}

	// The source stays a regular file in a copy repository.
	info, err := os.Lstat(source)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Fatal("source should not be a symlink in a copy repository")
	}

	dest := got.PublicPath(env.public)
	destInfo, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if destInfo.Mode().Perm() != 0o544 {
		t.Fatalf("expected artifact mode 0544, got %v", destInfo.Mode().Perm())
	}

	if len(env.notifier.Requests) != 1 {
		t.Fatalf("expected one notification, got %d", len(env.notifier.Requests))
	}
	req := env.notifier.Requests[0]
	if req.Event != notify.PublishSucceeded || req.Recipient != "alice@mail.com" {
		t.Fatalf("unexpected notification: %+v", req)
	}
	if req.FileUrl != fmt.Sprintf("http://gopublish.test/api/file/download/%v", file.Id) {
		t.Fatalf("unexpected download link: %v", req.FileUrl)
	}
}

func TestPublishMoveLeavesSymlink(t *testing.T) {
	env := setupPipeline(t)
	file, source := env.newRecord(t, env.moveRoot, "data.txt", "move repo content")

	err := env.pipeline.Publish(uuid.New(), queue.PublishPayload{FileId: file.Id, SourcePath: source})
	if err != nil {
		t.Fatal(err)
	}

	got := env.reload(t, file.Id)
	if got.Status != schema.Available {
		t.Fatalf("expected available, got %v (error: %v)", got.Status, got.Error)
	}

	info, err := os.Lstat(source)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatal("source should have been replaced with a symlink")
	}
	target, err := os.Readlink(source)
	if err != nil {
		t.Fatal(err)
	}
	if target != got.PublicPath(env.public) {
		t.Fatalf("symlink points at %v", target)
	}

	content, err := os.ReadFile(source)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "move repo content" {
		t.Fatal("content not readable through the symlink")
	}
}

// Re-running a publish task, as happens after a worker dies mid-task, must
// converge to the same result.
func TestPublishIsReentrant(t *testing.T) {
	env := setupPipeline(t)
	file, source := env.newRecord(t, env.moveRoot, "data.txt", "reentrant content")

	payload := queue.PublishPayload{FileId: file.Id, SourcePath: source}
	if err := env.pipeline.Publish(uuid.New(), payload); err != nil {
		t.Fatal(err)
	}

	// Reset to starting as if the first run died before hashing.
	if err := env.db.Model(&schema.PublishedFile{}).Where("id = ?", file.Id).Update("status", schema.Starting).Error; err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.Publish(uuid.New(), payload); err != nil {
		t.Fatal(err)
	}

	got := env.reload(t, file.Id)
	if got.Status != schema.Available || got.Hash != sha256Hex("reentrant content") {
		t.Fatalf("rerun did not converge: %+v", got)
	}
}

func TestPublishFailureRecordsError(t *testing.T) {
	env := setupPipeline(t)
	file, source := env.newRecord(t, env.copyRoot, "data.txt", "content")
	if err := os.Remove(source); err != nil {
		t.Fatal(err)
	}

	err := env.pipeline.Publish(uuid.New(), queue.PublishPayload{
		FileId: file.Id, SourcePath: source, NotifyEmail: "alice@mail.com",
	})
	if err == nil {
		t.Fatal("expected publish to fail")
	}

	got := env.reload(t, file.Id)
	if got.Status != schema.Failed {
		t.Fatalf("expected failed, got %v", got.Status)
	}
	if got.Error == "" {
		t.Fatal("expected failure detail on the record")
	}

	if len(env.notifier.Requests) != 1 || env.notifier.Requests[0].Event != notify.PublishFailed {
		t.Fatalf("expected a failure notification, got %+v", env.notifier.Requests)
	}
}

func TestPullRequestsRetrieval(t *testing.T) {
	env := setupPipeline(t)
	file, _ := env.newRecord(t, env.moveRoot, "data.txt", "content")
	if err := env.db.Model(&schema.PublishedFile{}).Where("id = ?", file.Id).Update("status", schema.Pulling).Error; err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.Pull(queue.PullPayload{FileId: file.Id, NotifyEmail: "alice@mail.com"}); err != nil {
		t.Fatal(err)
	}

	if len(env.archive.requests) != 1 || env.archive.requests[0] != file.PublicPath(env.public) {
		t.Fatalf("unexpected archive requests: %v", env.archive.requests)
	}
}

// An archive failure hands the record back to pullable so the request can
// be retried.
func TestPullResetsStatusOnArchiveError(t *testing.T) {
	env := setupPipeline(t)
	env.archive.err = fmt.Errorf("archive unreachable")

	file, _ := env.newRecord(t, env.moveRoot, "data.txt", "content")
	if err := env.db.Model(&schema.PublishedFile{}).Where("id = ?", file.Id).Update("status", schema.Pulling).Error; err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.Pull(queue.PullPayload{FileId: file.Id}); err == nil {
		t.Fatal("expected pull to fail")
	}

	got := env.reload(t, file.Id)
	if got.Status != schema.Pullable {
		t.Fatalf("expected pullable, got %v", got.Status)
	}
}

func TestUnpublishNotifiesContact(t *testing.T) {
	env := setupPipeline(t)
	file, _ := env.newRecord(t, env.copyRoot, "data.txt", "content")

	if err := env.pipeline.Unpublish(queue.UnpublishPayload{FileId: file.Id}); err != nil {
		t.Fatal(err)
	}

	if len(env.notifier.Requests) != 1 {
		t.Fatalf("expected one notification, got %d", len(env.notifier.Requests))
	}
	req := env.notifier.Requests[0]
	if req.Event != notify.FileUnpublished || req.Recipient != "alice@mail.com" {
		t.Fatalf("unexpected notification: %+v", req)
	}
}

func TestDeleteToleratesAbsentArtifact(t *testing.T) {
	env := setupPipeline(t)

	path := filepath.Join(env.public, uuid.NewString())
	if err := os.WriteFile(path, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.Delete(queue.DeletePayload{Path: path}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("artifact should be gone")
	}

	// Second delete of the same path is still a success.
	if err := env.pipeline.Delete(queue.DeletePayload{Path: path}); err != nil {
		t.Fatal(err)
	}
}
