package schema

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Lifecycle statuses for a published file. The normal publish path is
// creating -> starting -> hashing -> available. Failed and unpublished are
// terminal. Pullable, pulling, and unavailable only occur for repositories
// backed by a remote archive, when the artifact is not present locally.
const (
	Creating    = "creating"
	Starting    = "starting"
	Hashing     = "hashing"
	Available   = "available"
	Failed      = "failed"
	Unpublished = "unpublished"
	Pullable    = "pullable"
	Pulling     = "pulling"
	Unavailable = "unavailable"
)

type PublishedFile struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	FileName string `gorm:"size:255;index;not null"`

	// Root path of the owning repository, not an owning pointer. The
	// repository itself lives in the loaded registry, not in the db.
	RepoPath string `gorm:"size:255;index;not null"`

	Version int `gorm:"not null;default:1"`

	// VersionOf points at the root record of a version chain. A record with
	// no VersionOf is itself a chain root.
	VersionOf *uuid.UUID `gorm:"type:uuid;index"`

	Hash   string `gorm:"size:255;index"`
	Size   int64  `gorm:"not null;default:0"`
	Status string `gorm:"size:255;not null;default:'creating'"`

	Owner   string `gorm:"size:255;index;not null"`
	Contact string `gorm:"size:255"`

	Downloads int64 `gorm:"not null;default:0"`

	TaskId string `gorm:"size:255;index"`
	Error  string

	PublishingDate time.Time

	Tags []Tag `gorm:"many2many:file_tags;"`
}

// PublicPath is where the artifact is physically stored: the record id
// inside the repository's public folder.
func (f *PublishedFile) PublicPath(publicFolder string) string {
	return filepath.Join(publicFolder, f.Id.String())
}

// Hidden reports whether the record is excluded from listings, search
// results, and downloads.
func (f *PublishedFile) Hidden() bool {
	return f.Status == Unpublished
}

type Tag struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Label string    `gorm:"size:255;unique;not null;index"`

	Files []PublishedFile `gorm:"many2many:file_tags;"`
}

// Task statuses. A task is claimed by a worker with a compare-and-swap on
// queued -> running, so each task has at most one executor.
const (
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

type Task struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Kind    string `gorm:"size:50;not null;index"`
	Payload string `gorm:"not null"`

	Status    string `gorm:"size:50;not null;default:'queued';index"`
	ClaimedBy string `gorm:"size:255"`

	CreatedAt time.Time
}

// WorkerHeartbeat rows are upserted periodically by each worker process.
// The request tier treats any row younger than the liveness threshold as
// proof that a consumer exists for the task queue.
type WorkerHeartbeat struct {
	WorkerId string `gorm:"size:255;primaryKey"`
	LastSeen time.Time
}
