package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"sable/pkg/primitives"
)

// CheckpointConfig configures automatic checkpoint triggering.
type CheckpointConfig struct {
	// Time-based trigger: checkpoint every Interval.
	Interval time.Duration

	// Size-based trigger: checkpoint when the log grows past MaxLogBytes
	// since the last checkpoint.
	MaxLogBytes int64

	// How often the size trigger is evaluated.
	SizeCheckInterval time.Duration

	// Enable automatic checkpointing.
	Enabled bool
}

// DefaultCheckpointConfig returns a sensible default configuration.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Interval:          10 * time.Minute,
		MaxLogBytes:       10 * 1024 * 1024,
		SizeCheckInterval: 30 * time.Second,
		Enabled:           true,
	}
}

// CheckpointDaemonStats tracks daemon activity.
type CheckpointDaemonStats struct {
	TotalCheckpoints   int64
	TimeBasedTriggers  int64
	SizeBasedTriggers  int64
	ManualTriggers     int64
	FailedCheckpoints  int64
	LastCheckpointTime time.Time
}

// CheckpointDaemon periodically takes fuzzy checkpoints so restart never
// has to scan far. Triggers are time- and size-based.
type CheckpointDaemon struct {
	rm     *RecoveryManager
	config CheckpointConfig
	logger *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool

	mu              sync.Mutex
	stats           CheckpointDaemonStats
	lastCheckpoint  time.Time
	lastLogTailSeen primitives.LSN
}

// NewCheckpointDaemon returns a daemon over the given recovery manager.
func NewCheckpointDaemon(rm *RecoveryManager, config CheckpointConfig, logger *zap.Logger) *CheckpointDaemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointDaemon{
		rm:             rm,
		config:         config,
		logger:         logger,
		stopChan:       make(chan struct{}),
		lastCheckpoint: time.Now(),
	}
}

// Start begins the daemon loop.
func (cd *CheckpointDaemon) Start() error {
	if !cd.config.Enabled {
		cd.logger.Info("checkpoint daemon disabled")
		return nil
	}
	if !cd.running.CompareAndSwap(false, true) {
		return errors.New("checkpoint daemon already running")
	}
	cd.logger.Info("starting checkpoint daemon",
		zap.Duration("interval", cd.config.Interval),
		zap.Int64("maxLogBytes", cd.config.MaxLogBytes))
	cd.wg.Add(1)
	go cd.run()
	return nil
}

// Stop gracefully stops the daemon.
func (cd *CheckpointDaemon) Stop() {
	if !cd.running.Load() {
		return
	}
	close(cd.stopChan)
	cd.wg.Wait()
	cd.running.Store(false)
	cd.logger.Info("checkpoint daemon stopped")
}

// IsRunning reports whether the daemon loop is active.
func (cd *CheckpointDaemon) IsRunning() bool {
	return cd.running.Load()
}

func (cd *CheckpointDaemon) run() {
	defer cd.wg.Done()

	ticker := time.NewTicker(cd.config.Interval)
	defer ticker.Stop()
	sizeTicker := time.NewTicker(cd.config.SizeCheckInterval)
	defer sizeTicker.Stop()

	for {
		select {
		case <-cd.stopChan:
			return

		case <-ticker.C:
			if cd.shouldCheckpointByTime() {
				cd.trigger("time", &cd.stats.TimeBasedTriggers)
			}

		case <-sizeTicker.C:
			if cd.shouldCheckpointBySize() {
				cd.trigger("size", &cd.stats.SizeBasedTriggers)
			}
		}
	}
}

func (cd *CheckpointDaemon) shouldCheckpointByTime() bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return time.Since(cd.lastCheckpoint) >= cd.config.Interval
}

func (cd *CheckpointDaemon) shouldCheckpointBySize() bool {
	if cd.config.MaxLogBytes <= 0 {
		return false
	}
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return int64(cd.rm.log.TailLSN()-cd.lastLogTailSeen) >= cd.config.MaxLogBytes
}

func (cd *CheckpointDaemon) trigger(reason string, counter *int64) {
	start := time.Now()
	err := cd.rm.Checkpoint()
	duration := time.Since(start)

	cd.mu.Lock()
	defer cd.mu.Unlock()
	if err != nil {
		cd.stats.FailedCheckpoints++
		cd.logger.Error("checkpoint failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	cd.stats.TotalCheckpoints++
	*counter++
	cd.stats.LastCheckpointTime = start
	cd.lastCheckpoint = start
	cd.lastLogTailSeen = cd.rm.log.TailLSN()
	cd.logger.Info("checkpoint complete",
		zap.String("reason", reason),
		zap.Duration("duration", duration))
}

// TriggerManualCheckpoint takes a checkpoint immediately, outside the
// daemon's schedule.
func (cd *CheckpointDaemon) TriggerManualCheckpoint() error {
	if err := cd.rm.Checkpoint(); err != nil {
		cd.mu.Lock()
		cd.stats.FailedCheckpoints++
		cd.mu.Unlock()
		return errors.Wrap(err, "manual checkpoint")
	}
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.stats.TotalCheckpoints++
	cd.stats.ManualTriggers++
	cd.stats.LastCheckpointTime = time.Now()
	cd.lastCheckpoint = cd.stats.LastCheckpointTime
	cd.lastLogTailSeen = cd.rm.log.TailLSN()
	return nil
}

// GetStats returns current daemon statistics.
func (cd *CheckpointDaemon) GetStats() CheckpointDaemonStats {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.stats
}
