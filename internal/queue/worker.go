package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/docrisk/internal/anomaly"
)

// Worker drains queued access requests through the scoring pipeline.
type Worker struct {
	id      string
	queue   *Queue
	service *anomaly.Service
	logger  *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewWorker creates a worker over queue feeding service.
func NewWorker(q *Queue, service *anomaly.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()

	return &Worker{
		id:      fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		queue:   q,
		service: service,
		logger:  logger,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Start launches the processing loop. It returns an error when the worker is
// already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker already running")
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.processLoop(ctx)

	w.logger.Info("access worker started", "worker_id", w.id)
	return nil
}

// Stop halts processing and waits for the in-flight request to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("access worker stopped", "worker_id", w.id)
}

func (w *Worker) processLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "worker_id", w.id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if req == nil {
			continue
		}

		event := w.service.RecordAccess(ctx, *req)
		w.logger.Debug("access request processed",
			"worker_id", w.id,
			"user_id", event.UserID,
			"action", event.Action,
			"risk_score", event.RiskScore,
			"anomaly", event.AnomalyFlag)
	}
}
