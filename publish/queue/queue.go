// Package queue is the task handoff between the request tier and the
// worker tier. Tasks live in the same database as the publication records,
// so a record and its task commit atomically: a worker can never observe a
// task whose record is not yet durable.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopublish/publish/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KindPublish   = "publish"
	KindPull      = "pull"
	KindUnpublish = "unpublish"
	KindDelete    = "delete"
)

// LivenessWindow is how recent a worker heartbeat must be for the request
// tier to consider a consumer reachable.
const LivenessWindow = 30 * time.Second

var ErrNoWorker = errors.New("no worker available to process the request")

type PublishPayload struct {
	FileId      uuid.UUID `json:"file_id"`
	SourcePath  string    `json:"source_path"`
	NotifyEmail string    `json:"notify_email,omitempty"`
}

type PullPayload struct {
	FileId      uuid.UUID `json:"file_id"`
	NotifyEmail string    `json:"notify_email,omitempty"`
}

type UnpublishPayload struct {
	FileId uuid.UUID `json:"file_id"`
}

type DeletePayload struct {
	// Physical artifact path. Recorded directly in the payload since the
	// record itself is removed as part of the delete operation.
	Path string `json:"path"`
}

type Queue interface {
	// Enqueue writes a task using the supplied handle, which may be a
	// transaction shared with the record mutation the task belongs to.
	Enqueue(txn *gorm.DB, kind string, payload interface{}) (uuid.UUID, error)

	// Ping is the bounded liveness probe run before accepting a publish
	// request. Returns ErrNoWorker when no consumer has reported recently.
	Ping() error
}

type TaskQueue struct {
	db *gorm.DB
}

func New(db *gorm.DB) *TaskQueue {
	return &TaskQueue{db: db}
}

func (q *TaskQueue) Enqueue(txn *gorm.DB, kind string, payload interface{}) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error encoding %v task payload: %w", kind, err)
	}

	task := schema.Task{
		Id:        uuid.New(),
		Kind:      kind,
		Payload:   string(data),
		Status:    schema.TaskQueued,
		CreatedAt: time.Now().UTC(),
	}

	result := txn.Create(&task)
	if result.Error != nil {
		slog.Error("sql error enqueuing task", "kind", kind, "error", result.Error)
		return uuid.Nil, schema.ErrDbAccessFailed
	}

	return task.Id, nil
}

func (q *TaskQueue) Ping() error {
	var count int64
	cutoff := time.Now().UTC().Add(-LivenessWindow)

	result := q.db.Model(&schema.WorkerHeartbeat{}).Where("last_seen > ?", cutoff).Count(&count)
	if result.Error != nil {
		slog.Error("sql error checking worker liveness", "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if count == 0 {
		return ErrNoWorker
	}
	return nil
}

// Claim atomically takes the oldest queued task for workerId. Returns
// ErrTaskNotFound when the queue is empty.
func Claim(db *gorm.DB, workerId string) (schema.Task, error) {
	var task schema.Task

	result := db.Where("status = ?", schema.TaskQueued).Order("created_at asc").First(&task)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return task, schema.ErrTaskNotFound
		}
		slog.Error("sql error finding queued task", "error", result.Error)
		return task, schema.ErrDbAccessFailed
	}

	// CAS on queued -> running: with several workers polling, only one
	// update can win.
	claim := db.Model(&schema.Task{}).
		Where("id = ? AND status = ?", task.Id, schema.TaskQueued).
		Updates(map[string]interface{}{"status": schema.TaskRunning, "claimed_by": workerId})
	if claim.Error != nil {
		slog.Error("sql error claiming task", "task_id", task.Id, "error", claim.Error)
		return task, schema.ErrDbAccessFailed
	}
	if claim.RowsAffected == 0 {
		return task, schema.ErrTaskNotFound
	}

	task.Status = schema.TaskRunning
	task.ClaimedBy = workerId
	return task, nil
}

func Finish(db *gorm.DB, taskId uuid.UUID, taskErr error) {
	status := schema.TaskDone
	if taskErr != nil {
		status = schema.TaskFailed
	}
	result := db.Model(&schema.Task{}).Where("id = ?", taskId).Update("status", status)
	if result.Error != nil {
		slog.Error("sql error updating task status", "task_id", taskId, "status", status, "error", result.Error)
	}
}

// RequeueOrphans returns tasks claimed by workers whose heartbeat has gone
// stale back to the queue so a live worker can pick them up.
func RequeueOrphans(db *gorm.DB) {
	cutoff := time.Now().UTC().Add(-LivenessWindow)

	var dead []string
	result := db.Model(&schema.WorkerHeartbeat{}).Where("last_seen <= ?", cutoff).Pluck("worker_id", &dead)
	if result.Error != nil {
		slog.Error("sql error finding stale workers", "error", result.Error)
		return
	}
	if len(dead) == 0 {
		return
	}

	result = db.Model(&schema.Task{}).
		Where("status = ? AND claimed_by IN ?", schema.TaskRunning, dead).
		Updates(map[string]interface{}{"status": schema.TaskQueued, "claimed_by": ""})
	if result.Error != nil {
		slog.Error("sql error requeuing orphaned tasks", "error", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		slog.Info("requeued tasks from stale workers", "count", result.RowsAffected, "workers", dead)
	}
}

// Heartbeat upserts the worker's liveness row.
func Heartbeat(db *gorm.DB, workerId string) {
	beat := schema.WorkerHeartbeat{WorkerId: workerId, LastSeen: time.Now().UTC()}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&beat)
	if result.Error != nil {
		slog.Error("sql error recording worker heartbeat", "worker_id", workerId, "error", result.Error)
	}
}
