package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopublish/publish/queue"
	"gopublish/publish/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HeartbeatInterval must stay well under queue.LivenessWindow or the
// request tier will refuse publishes while workers are in fact alive.
const HeartbeatInterval = 10 * time.Second

// Pool polls the task queue with a fixed number of goroutines and reports
// liveness for the whole process under a single worker id.
type Pool struct {
	db       *gorm.DB
	pipeline *Pipeline
	workerId string
	workers  int

	stop chan bool
	wg   sync.WaitGroup
}

func NewPool(db *gorm.DB, pipeline *Pipeline, workers int) *Pool {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	if workers < 1 {
		workers = 1
	}

	return &Pool{
		db:       db,
		pipeline: pipeline,
		workerId: fmt.Sprintf("%v-%v", hostname, uuid.New()),
		workers:  workers,
		stop:     make(chan bool),
	}
}

// Run starts the heartbeat and the polling goroutines and blocks until
// Stop is called.
func (p *Pool) Run(pollInterval time.Duration) {
	slog.Info("worker pool starting", "worker_id", p.workerId, "workers", p.workers)

	// First heartbeat before polling so the request tier sees the process
	// as soon as it can accept tasks.
	queue.Heartbeat(p.db, p.workerId)

	p.wg.Add(1)
	go p.heartbeatLoop()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.pollLoop(pollInterval)
	}

	p.wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerId)
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			queue.Heartbeat(p.db, p.workerId)
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) pollLoop(pollInterval time.Duration) {
	defer p.wg.Done()

	for {
		task, err := queue.Claim(p.db, p.workerId)
		if err != nil {
			if !errors.Is(err, schema.ErrTaskNotFound) {
				slog.Error("error claiming task", "worker_id", p.workerId, "error", err)
			}
			select {
			case <-time.After(pollInterval):
				continue
			case <-p.stop:
				return
			}
		}

		slog.Info("task claimed", "worker_id", p.workerId, "task_id", task.Id, "kind", task.Kind)
		queue.Finish(p.db, task.Id, p.pipeline.Run(task))

		select {
		case <-p.stop:
			return
		default:
		}
	}
}
