package graph

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/types"
	"github.com/saiset-co/sai-cache-engine/utils"
)

const (
	deadLetterKey   = "deadletter"
	maxDeadLetters  = 256
	workerRetryBase = 200 * time.Millisecond
)

// enqueue registers a queued InvalidationJob. A newer job for the same target
// supersedes any pending one; the superseded job is skipped by the worker
// that eventually picks it up.
func (m *Manager) enqueue(targetKey string, cascading bool, reason string) (*types.InvalidationJob, error) {
	job := &types.InvalidationJob{
		ID:          uuid.NewString(),
		TargetKey:   targetKey,
		Cascading:   cascading,
		MaxAttempts: m.config.MaxAttempts,
		Reason:      reason,
		EnqueuedAt:  time.Now(),
	}

	m.pendingMu.Lock()
	if previous, exists := m.pending[targetKey]; exists {
		m.logger.Debug("superseding pending invalidation job",
			zap.String("key", targetKey),
			zap.String("superseded_job", previous))
	}
	m.pending[targetKey] = job.ID
	m.pendingMu.Unlock()

	select {
	case m.jobs <- job:
	default:
		m.pendingMu.Lock()
		if m.pending[targetKey] == job.ID {
			delete(m.pending, targetKey)
		}
		m.pendingMu.Unlock()
		return nil, types.ErrQueueFull
	}

	if m.metrics != nil {
		m.metrics.Gauge("graph_queue_depth", nil).Set(float64(len(m.jobs)))
	}

	return job, nil
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()

	for {
		select {
		case job := <-m.jobs:
			m.executeJob(job)
		case <-m.stopCh:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) executeJob(job *types.InvalidationJob) {
	// Cancellation window closes here: once the cascade starts it runs to
	// completion or failure.
	m.pendingMu.Lock()
	current, exists := m.pending[job.TargetKey]
	if !exists || current != job.ID {
		m.pendingMu.Unlock()
		m.logger.Debug("skipping superseded invalidation job",
			zap.String("job_id", job.ID),
			zap.String("key", job.TargetKey))
		return
	}
	delete(m.pending, job.TargetKey)
	m.pendingMu.Unlock()

	for {
		job.Attempts++

		report := m.cascade(m.ctx, job.TargetKey, job.Cascading, job.Reason)
		if report.Failed == 0 {
			m.logger.Debug("queued invalidation completed",
				zap.String("job_id", job.ID),
				zap.String("key", job.TargetKey),
				zap.Int("deleted", report.Deleted))
			return
		}

		if job.Attempts >= job.MaxAttempts {
			m.deadLetter(job, types.NewErrorf("cascade left %d keys unresolved", report.Failed))
			return
		}

		m.logger.Warn("invalidation job retrying",
			zap.String("job_id", job.ID),
			zap.String("key", job.TargetKey),
			zap.Int("attempt", job.Attempts),
			zap.Int("failed_keys", report.Failed))

		timer := time.NewTimer(workerRetryBase * time.Duration(1<<uint(job.Attempts-1)))
		select {
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			return
		case <-m.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// deadLetter escalates an exhausted job: the entry behind it may stay stale
// indefinitely, which is the one condition requiring human attention.
func (m *Manager) deadLetter(job *types.InvalidationJob, cause error) {
	letter := types.DeadLetter{
		Job:      *job,
		LastErr:  cause.Error(),
		FailedAt: time.Now(),
	}

	m.dlMu.Lock()
	m.deadLetters = append(m.deadLetters, letter)
	if len(m.deadLetters) > maxDeadLetters {
		m.deadLetters = m.deadLetters[len(m.deadLetters)-maxDeadLetters:]
	}
	m.dlMu.Unlock()

	if data, err := utils.Marshal(letter); err == nil {
		if err := m.store.SetAdd(m.ctx, deadLetterKey, string(data)); err != nil {
			m.logger.Error("failed to persist dead letter", zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.Counter("graph_dead_letters_total", nil).Inc()
	}

	m.logger.Error("invalidation job moved to dead letter",
		zap.String("job_id", job.ID),
		zap.String("key", job.TargetKey),
		zap.String("reason", job.Reason),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
}
