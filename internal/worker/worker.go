// Package worker runs delayed session-cleanup tasks via Asynq/Redis: a task
// enqueued with ScheduleCleanup runs the session's cleanup.Tracker if lookup
// still finds it in this process. Trackers are not persisted, so a task that
// fires after a restart finds nothing to run. Generalises
// the teacher's internal/worker/worker.go Server/Client/task-constant split:
// same asynq.NewServer/asynq.NewClient wiring and REDIS_ADDR convention, one
// task type instead of six, and a handler that looks up a live
// cleanup.Tracker by sessionId instead of running app-specific business
// logic.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noports-go/noports/internal/cleanup"
)

// TaskSessionCleanup is the Asynq task type for a delayed session teardown.
const TaskSessionCleanup = "session:cleanup"

// SessionCleanupPayload is the task payload for TaskSessionCleanup.
type SessionCleanupPayload struct {
	SessionID string `json:"sessionId"`
}

// TrackerLookup resolves a sessionId to its live Tracker, or ok=false if the
// session already completed its own cleanup (the common case: this task is
// a backstop, not the primary teardown path).
type TrackerLookup func(sessionID string) (tracker *cleanup.Tracker, ok bool)

// Worker wraps an Asynq server and client for enqueuing and running
// delayed session-cleanup tasks.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	lookup TrackerLookup
	log    zerolog.Logger
}

// New creates a Worker connected to redisAddr (falling back to REDIS_ADDR,
// then "localhost:6379", as the teacher's New does). lookup resolves a
// sessionId to its Tracker when the backstop task fires.
func New(redisAddr string, lookup TrackerLookup, log zerolog.Logger) *Worker {
	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"default": 1,
		},
	})
	client := asynq.NewClient(opt)

	return &Worker{server: srv, client: client, lookup: lookup, log: log}
}

// Start begins processing backstop cleanup tasks in a background goroutine.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSessionCleanup, w.handleSessionCleanup)

	go func() {
		if err := w.server.Run(mux); err != nil {
			w.log.Error().Err(err).Msg("asynq worker exited")
		}
	}()
}

// ScheduleCleanup enqueues a backstop cleanup task for sessionID, to run
// after delay if the session's own Tracker.Run has not already fired.
func (w *Worker) ScheduleCleanup(ctx context.Context, sessionID string, delay time.Duration) error {
	payload, err := json.Marshal(SessionCleanupPayload{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("worker: marshal payload: %w", err)
	}
	task := asynq.NewTask(TaskSessionCleanup, payload)
	if _, err := w.client.EnqueueContext(ctx, task, asynq.ProcessIn(delay)); err != nil {
		return fmt.Errorf("worker: enqueue cleanup task: %w", err)
	}
	return nil
}

// Shutdown stops the Asynq server and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handleSessionCleanup(ctx context.Context, t *asynq.Task) error {
	var p SessionCleanupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Error().Err(err).Msg("handleSessionCleanup: unmarshal payload")
		return err
	}
	tr, ok := w.lookup(p.SessionID)
	if !ok {
		w.log.Debug().Str("sessionId", p.SessionID).Msg("handleSessionCleanup: session already torn down")
		return nil
	}
	tr.Run(ctx)
	return nil
}
