package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitaly-z/brainy/common"
)

// Maintenance cadences.
const (
	// maintenanceTick paces the background loop; each tick re-evaluates
	// the flush debounce and the sweepers' own intervals.
	maintenanceTick = 1 * time.Second
	// lockSweepInterval paces expired-lease cleanup.
	lockSweepInterval = 30 * time.Second
	// changeLogSweepInterval paces change-log retention cleanup.
	changeLogSweepInterval = 5 * time.Minute
	// DefaultChangeLogRetention is the default age horizon for change-log
	// entries.
	DefaultChangeLogRetention = 24 * time.Hour
)

// MaintenanceConfig wires the background tasks of one adapter instance.
type MaintenanceConfig struct {
	Storage            Storage
	Counts             *CountRegistry // the adapter's registry, for the flush debounce
	Locks              LockManager    // optional lock sweeper target
	ChangeLogRetention time.Duration  // 0 means the default horizon
}

// MaintenanceRunner drives the periodic background work of an adapter:
// the debounced statistics flush, the expired-lock sweep and the
// change-log retention sweep. Stop performs the critical shutdown flush
// before returning, so counters reflect durable state across a graceful
// restart.
type MaintenanceRunner struct {
	cfg      MaintenanceConfig
	log      *logrus.Entry
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewMaintenanceRunner builds a runner; Start launches it.
func NewMaintenanceRunner(cfg MaintenanceConfig) *MaintenanceRunner {
	if cfg.ChangeLogRetention <= 0 {
		cfg.ChangeLogRetention = DefaultChangeLogRetention
	}
	return &MaintenanceRunner{
		cfg:      cfg,
		log:      common.Logger.WithField("component", "maintenance"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the background loop.
func (m *MaintenanceRunner) Start() {
	go m.run()
	m.log.Info("maintenance runner started")
}

// Stop terminates the loop and performs the shutdown flush. It is safe to
// call more than once.
func (m *MaintenanceRunner) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		<-m.doneChan
		m.flush(ctx, true)
		m.log.Info("maintenance runner stopped")
	})
}

func (m *MaintenanceRunner) run() {
	defer close(m.doneChan)
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()
	lastLockSweep := time.Now()
	lastChangeLogSweep := time.Now()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.flush(ctx, false)
			if m.cfg.Locks != nil && now.Sub(lastLockSweep) >= lockSweepInterval {
				lastLockSweep = now
				if removed, _ := m.cfg.Locks.CleanupExpired(ctx); removed > 0 {
					m.log.WithField("removed", removed).Debug("swept expired locks")
				}
			}
			if now.Sub(lastChangeLogSweep) >= changeLogSweepInterval {
				lastChangeLogSweep = now
				m.sweepChangeLog(ctx)
			}
			cancel()
		}
	}
}

// flush persists the counter snapshot when the debounce allows it. A flush
// failure keeps the dirty flag; the next tick retries.
func (m *MaintenanceRunner) flush(ctx context.Context, force bool) {
	if m.cfg.Counts == nil || !m.cfg.Counts.ShouldFlush(time.Now(), force) {
		return
	}
	if err := m.cfg.Storage.SaveStatisticsData(ctx, nil); err != nil {
		m.cfg.Counts.FlushFailed(time.Now())
		m.log.WithError(err).Warn("statistics flush failed, retaining dirty flag")
		return
	}
	m.cfg.Counts.FlushDone(time.Now())
}

// sweepChangeLog removes entries older than the retention horizon through
// the adapter's change log. Errors stay inside the sweeper.
func (m *MaintenanceRunner) sweepChangeLog(ctx context.Context) {
	horizon := time.Now().Add(-m.cfg.ChangeLogRetention).UnixMilli()
	entries, err := m.cfg.Storage.ListObjectsUnderPath(ctx, ChangeLogPrefix+"/")
	if err != nil {
		m.log.WithError(err).Warn("failed to list change log for sweep")
		return
	}
	removed := 0
	for _, path := range entries {
		ts, ok := changeLogTimestamp(path)
		if !ok || ts >= horizon {
			continue
		}
		if err := m.cfg.Storage.DeleteObjectFromPath(ctx, path); err != nil {
			m.log.WithField("path", path).WithError(err).Warn("failed to sweep change-log entry")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.WithField("removed", removed).Debug("swept change-log entries")
	}
}
