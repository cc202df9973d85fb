package mailsync

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// SyncRunner is the part of Syncer the scheduler drives.
type SyncRunner interface {
	FetchPastMonth() (int, error)
	FetchLatest(limit int) (int, error)
}

// Scheduler owns the background sync lifecycle: a one-shot backfill fired
// right after Start and a recurring incremental job on a fixed interval.
// Each job kind is serialized with itself; a tick that arrives while the
// previous incremental run is still going is skipped. Backfill and
// incremental may overlap in real time, which is safe because persistence is
// idempotent per message.
type Scheduler struct {
	runner   SyncRunner
	interval time.Duration
	limit    int

	backfillMu    sync.Mutex
	incrementalMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(runner SyncRunner, interval time.Duration, limit int) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		limit:    limit,
		stop:     make(chan struct{}),
	}
}

// Start launches the background jobs. Call once at process startup.
func (sc *Scheduler) Start() {
	sc.wg.Add(2)

	go func() {
		defer sc.wg.Done()
		if _, err := sc.RunBackfill(); err != nil {
			log.Printf("backfill sync failed: %v", err)
		}
	}()

	go func() {
		defer sc.wg.Done()
		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sc.stop:
				return
			case <-ticker.C:
				sc.tick()
			}
		}
	}()

	log.Printf("scheduler started, interval=%s limit=%d", sc.interval, sc.limit)
}

// Stop halts the timer and waits for the background goroutines. A run that
// is already in progress completes; there is no mid-run cancellation.
func (sc *Scheduler) Stop() {
	close(sc.stop)
	sc.wg.Wait()
	log.Printf("scheduler stopped")
}

func (sc *Scheduler) tick() {
	if !sc.incrementalMu.TryLock() {
		log.Printf("incremental sync still running, skipping tick")
		return
	}
	defer sc.incrementalMu.Unlock()
	sc.runJob("incremental", func() (int, error) {
		return sc.runner.FetchLatest(sc.limit)
	})
}

// RunBackfill triggers the backfill job on the calling goroutine. Safe to
// call while the timer is active.
func (sc *Scheduler) RunBackfill() (int, error) {
	sc.backfillMu.Lock()
	defer sc.backfillMu.Unlock()
	return sc.runJob("backfill", sc.runner.FetchPastMonth)
}

// RunIncremental triggers an incremental run with a caller-supplied limit,
// serialized with the timer-driven runs of the same job.
func (sc *Scheduler) RunIncremental(limit int) (int, error) {
	sc.incrementalMu.Lock()
	defer sc.incrementalMu.Unlock()
	return sc.runJob("incremental", func() (int, error) {
		return sc.runner.FetchLatest(limit)
	})
}

// runJob executes one job body. Nothing escapes: errors are logged and
// returned, panics are recovered so the next tick still fires.
func (sc *Scheduler) runJob(job string, fn func() (int, error)) (saved int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s sync panic: %v", job, r)
			log.Printf("%v", err)
		}
	}()

	saved, err = fn()
	if err != nil {
		log.Printf("%s sync failed: %v", job, err)
		return 0, err
	}
	log.Printf("%s sync done, %d new records", job, saved)
	return saved, nil
}
