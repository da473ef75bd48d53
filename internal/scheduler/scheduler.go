package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/calmirror/calmirror/internal/backup"
	"github.com/calmirror/calmirror/internal/db"
	"github.com/calmirror/calmirror/internal/orchestrator"
)

const (
	cleanupInterval  = 24 * time.Hour
	logRetentionDays = 30
	batchTimeout     = 10 * time.Minute // Maximum time for one full batch
	backupTimeout    = 5 * time.Minute
	backupCheckEvery = 10 * time.Minute
)

// Scheduler drives the periodic sync batches and backup snapshots with a
// single worker. The next batch is scheduled from the completion time of
// the previous one, so a slow batch delays the cadence instead of stacking.
type Scheduler struct {
	orch    *orchestrator.Orchestrator
	backups *backup.Manager
	history *db.DB

	syncInterval time.Duration
	pastDays     int
	futureDays   int

	// batchLock serializes batches; a trigger arriving mid-batch is skipped.
	batchLock sync.Mutex

	mu        sync.RWMutex
	lastBatch *orchestrator.BatchResult
	started   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. The backup manager may be nil when backups are
// disabled.
func New(orch *orchestrator.Orchestrator, backups *backup.Manager, history *db.DB, syncInterval time.Duration, pastDays, futureDays int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		orch:         orch,
		backups:      backups,
		history:      history,
		syncInterval: syncInterval,
		pastDays:     pastDays,
		futureDays:   futureDays,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the sync loop, the backup loop, and the log cleanup.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.syncLoop()

	if s.backups != nil {
		s.wg.Add(1)
		go s.backupLoop()
	}

	s.wg.Add(1)
	go s.cleanupRoutine()

	log.Printf("Scheduler started (sync every %v)", s.syncInterval)
}

// Stop cancels the loops and waits for any in-flight batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// TriggerSync starts a batch in the background. Returns false when a batch
// is already in flight.
func (s *Scheduler) TriggerSync(opts orchestrator.Options) bool {
	if !s.batchLock.TryLock() {
		log.Println("Skipping triggered sync - another batch is already in progress")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.batchLock.Unlock()
		s.runBatch(opts)
	}()
	return true
}

// TriggerBackup runs a snapshot immediately, regardless of the interval.
func (s *Scheduler) TriggerBackup() (string, error) {
	if s.backups == nil {
		return "", errors.New("backups are not configured")
	}
	ctx, cancel := context.WithTimeout(s.ctx, backupTimeout)
	defer cancel()
	return s.runBackup(ctx)
}

// LastBatch returns the most recent batch result, or nil before the first
// batch completes.
func (s *Scheduler) LastBatch() *orchestrator.BatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBatch
}

func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	// Run immediately on start
	s.executeBatch(orchestrator.Options{})

	timer := time.NewTimer(s.syncInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.executeBatch(orchestrator.Options{})
			timer.Reset(s.syncInterval)
		}
	}
}

func (s *Scheduler) executeBatch(opts orchestrator.Options) {
	if !s.batchLock.TryLock() {
		log.Println("Skipping sync batch - another batch is already in progress")
		return
	}
	defer s.batchLock.Unlock()
	s.runBatch(opts)
}

// runBatch assumes the caller holds batchLock.
func (s *Scheduler) runBatch(opts orchestrator.Options) {
	ctx, cancel := context.WithTimeout(s.ctx, batchTimeout)
	defer cancel()

	batch := s.orch.RunBatch(ctx, opts)

	s.mu.Lock()
	s.lastBatch = batch
	s.mu.Unlock()
}

func (s *Scheduler) backupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(backupCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.backups.Due() {
				continue
			}
			ctx, cancel := context.WithTimeout(s.ctx, backupTimeout)
			if _, err := s.runBackup(ctx); err != nil {
				log.Printf("Backup failed: %v", err)
			}
			cancel()
		}
	}
}

func (s *Scheduler) runBackup(ctx context.Context) (string, error) {
	from := time.Now().AddDate(0, 0, -s.pastDays)
	to := time.Now().AddDate(0, 0, s.futureDays)
	return s.backups.Run(ctx, from, to)
}

func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
			removed, err := s.history.CleanOldCycles(cutoff)
			if err != nil {
				log.Printf("Cycle log cleanup failed: %v", err)
			} else if removed > 0 {
				log.Printf("Cleaned up %d old cycle logs", removed)
			}
		}
	}
}
