package cron

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Watchdog runs a health check on a cron schedule, skipping a tick while the
// previous check is still running.
type Watchdog struct {
	cron      *cron.Cron
	cronEntry cron.EntryID
	checkFunc func()
	mutex     sync.RWMutex
	isRunning bool
	schedule  string
	runs      int
	log       *log.Logger
}

// NewWatchdog schedules checkFunc. The scheduler is not started until Start.
func NewWatchdog(schedule string, checkFunc func(), logger *log.Logger) (*Watchdog, error) {
	if logger == nil {
		logger = log.Default()
	}

	w := &Watchdog{
		cron:      cron.New(),
		checkFunc: checkFunc,
		schedule:  schedule,
		log:       logger,
	}

	entryID, err := w.cron.AddFunc(schedule, w.check)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to schedule watchdog %q", schedule)
	}
	w.cronEntry = entryID
	return w, nil
}

// Start starts the scheduler in its own goroutine.
func (w *Watchdog) Start() {
	w.cron.Start()
	w.log.Debug("watchdog scheduled", "schedule", w.schedule)
}

// Stop stops the scheduler and waits for a running check to finish.
func (w *Watchdog) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
		w.log.Debug("watchdog stopped")
	}
}

func (w *Watchdog) check() {
	w.mutex.Lock()
	if w.isRunning {
		w.mutex.Unlock()
		w.log.Debug("watchdog check already in progress, skipping")
		return
	}
	w.isRunning = true
	w.mutex.Unlock()

	defer func() {
		w.mutex.Lock()
		w.isRunning = false
		w.runs++
		w.mutex.Unlock()
	}()

	if w.checkFunc != nil {
		w.checkFunc()
	}
}

// NextRun returns the next scheduled run time.
func (w *Watchdog) NextRun() time.Time {
	return w.cron.Entry(w.cronEntry).Next
}

// IsRunning reports whether a check is in progress.
func (w *Watchdog) IsRunning() bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.isRunning
}

// Runs returns how many checks have completed.
func (w *Watchdog) Runs() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.runs
}

// Schedule returns the cron schedule.
func (w *Watchdog) Schedule() string {
	return w.schedule
}
