package historian

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jpillora/backoff"

	"github.com/lithos-systems/petra/internal/localstore"
	"github.com/lithos-systems/petra/internal/statusapi"
	"github.com/lithos-systems/petra/pkg/archive/parquet"
)

// Strategy selects how the historian's remote sink relates to the local
// write path. Sealed local store files are always the system of record;
// Strategy only controls how eagerly a sync attempt follows a local write.
type Strategy int

const (
	// LocalFirst writes locally and lets the scheduled/triggered sync pass
	// mirror sealed files to the remote sink in the background. The
	// default: a slow or unreachable remote never adds latency to the
	// scan/historian hot path.
	LocalFirst Strategy = iota
	// RemoteFirst attempts an immediate sync pass synchronously with
	// NotifyLocalWrite, so a reachable remote stays caught up with minimal
	// lag; a failed attempt still falls back to the retry queue.
	RemoteFirst
	// Parallel behaves like RemoteFirst but does not block the caller —
	// the eager sync pass runs in its own goroutine.
	Parallel
)

// ParseStrategy parses the remote.strategy config value, defaulting to
// LocalFirst for an empty or unrecognized string.
func ParseStrategy(s string) Strategy {
	switch s {
	case "remote_first":
		return RemoteFirst
	case "parallel":
		return Parallel
	default:
		return LocalFirst
	}
}

// RemoteSync mirrors sealed Local Store files to a ParquetTarget (S3 or an
// alternate filesystem path). A file that fails to upload goes into a
// bounded, drop-oldest retry queue and is retried on the next sync pass
// (the next local write or scheduled tick). An exponential backoff step is
// advanced and logged after each failed pass, but it does not delay the
// next pass, and there is no per-file backoff.
type RemoteSync struct {
	target   parquet.ParquetTarget
	store    *localstore.Store
	strategy Strategy
	maxQueue int
	interval time.Duration

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []string
	bo      *backoff.Backoff

	sched gocron.Scheduler
}

// NewRemoteSync constructs a RemoteSync. interval is the periodic
// safety-net sync pass; maxQueue bounds the in-memory retry backlog.
func NewRemoteSync(target parquet.ParquetTarget, store *localstore.Store, strategy Strategy, interval time.Duration, maxQueue int) *RemoteSync {
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RemoteSync{
		target:   target,
		store:    store,
		strategy: strategy,
		maxQueue: maxQueue,
		interval: interval,
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		bo:       &backoff.Backoff{Min: 500 * time.Millisecond, Max: 2 * time.Minute, Factor: 2},
	}
}

// Start launches the scheduled safety-net pass and the notify-triggered
// eager pass. It does not block.
func (r *RemoteSync) Start(ctx context.Context) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Errorf("remote sync: creating scheduler: %v", err)
	} else {
		if _, err := sched.NewJob(
			gocron.DurationJob(r.interval),
			gocron.NewTask(func() { r.syncPass() }),
		); err != nil {
			log.Errorf("remote sync: registering sync job: %v", err)
		}
		sched.Start()
		r.sched = sched
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-r.notify:
				r.syncPass()
			}
		}
	}()
}

// Stop shuts down the scheduler and the notify worker, waiting for any
// in-flight sync pass to finish.
func (r *RemoteSync) Stop() {
	close(r.stopCh)
	if r.sched != nil {
		_ = r.sched.Shutdown()
	}
	r.wg.Wait()
}

// NotifyLocalWrite signals that a new batch landed in the local store.
// Under LocalFirst the signal just wakes the background pass a little
// earlier than the next scheduled tick; under RemoteFirst it blocks until
// that pass completes; under Parallel it fires the pass in its own
// goroutine and returns immediately.
func (r *RemoteSync) NotifyLocalWrite() {
	switch r.strategy {
	case RemoteFirst:
		r.syncPass()
	case Parallel:
		go r.syncPass()
	default:
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// syncPass walks sealed local store files oldest-first, uploads each to
// the remote target, and archives it locally on success. A failure queues
// the file for retry (bounded, drop-oldest) rather than blocking the rest
// of the pass.
func (r *RemoteSync) syncPass() {
	files, err := r.store.SealedFiles()
	if err != nil {
		log.Errorf("remote sync: listing sealed files: %v", err)
		return
	}

	r.mu.Lock()
	files = append(append([]string{}, r.pending...), files...)
	r.pending = nil
	r.mu.Unlock()

	failed := false
	for _, path := range files {
		if err := r.syncOne(path); err != nil {
			log.Warnf("remote sync: %s: %v", path, err)
			r.enqueueRetry(path)
			failed = true
			continue
		}
	}

	if failed {
		d := r.bo.Duration()
		log.Warnf("remote sync: pass had failures (backoff step %s), failed files queued for the next pass", d)
	} else {
		r.bo.Reset()
	}
}

func (r *RemoteSync) syncOne(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := r.target.WriteFile(filepath.Base(path), data); err != nil {
		return fmt.Errorf("writing to %s: %w", r.target.Name(), err)
	}
	if err := r.store.ArchiveFile(path); err != nil {
		return fmt.Errorf("archiving %s after remote write: %w", path, err)
	}
	return nil
}

func (r *RemoteSync) enqueueRetry(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if p == path {
			return
		}
	}
	if len(r.pending) >= r.maxQueue {
		dropped := r.pending[0]
		r.pending = r.pending[1:]
		log.Warnf("remote sync: retry queue full, dropping %s", dropped)
	}
	r.pending = append(r.pending, path)
}

// HealthCheck reports whether the remote target is currently reachable.
func (r *RemoteSync) HealthCheck(ctx context.Context) error {
	return r.target.HealthCheck(ctx)
}

// Name identifies this checker in the status API's aggregate health
// response, satisfying statusapi.HealthChecker.
func (r *RemoteSync) Name() string { return "remote_sync:" + r.target.Name() }

// CheckHealth adapts HealthCheck to statusapi.HealthChecker, additionally
// reporting the current retry-queue depth so an operator can see backlog
// building before the sink is declared failed.
func (r *RemoteSync) CheckHealth(ctx context.Context) statusapi.SubsystemHealth {
	r.mu.Lock()
	queued := len(r.pending)
	r.mu.Unlock()

	if err := r.HealthCheck(ctx); err != nil {
		return statusapi.SubsystemHealth{
			Healthy: false, State: statusapi.HealthFailed,
			Message:  err.Error(),
			Metadata: map[string]interface{}{"queued_retries": queued},
		}
	}
	if queued > 0 {
		return statusapi.SubsystemHealth{
			Healthy: true, State: statusapi.HealthDegraded,
			Message:  fmt.Sprintf("%d file(s) queued for retry", queued),
			Metadata: map[string]interface{}{"queued_retries": queued},
		}
	}
	return statusapi.SubsystemHealth{Healthy: true, State: statusapi.HealthOK}
}
