// Package syncd runs the background maintenance of a versioned page store:
// periodic sync passes that migrate old versions into the master data file,
// and optional periodic integrity checks.
package syncd

import (
	"sync"
	"time"

	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/DoqueDB/verstore/internal/version"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config schedules the daemon's jobs. Schedules use standard cron syntax;
// an empty schedule disables the job.
type Config struct {
	// SyncSchedule triggers sync passes, e.g. "*/5 * * * *".
	SyncSchedule string
	// VerifySchedule triggers read-only integrity checks.
	VerifySchedule string
	// MaxRuntime bounds one job execution; zero means 5 minutes.
	MaxRuntime time.Duration
}

// Daemon owns the cron scheduler driving one store's maintenance.
type Daemon struct {
	file *version.File
	mgr  *trans.Manager
	cfg  Config
	cron *cron.Cron

	mu      sync.Mutex
	running map[string]time.Time // job name → start, for no-overlap

	log *logrus.Entry
}

// New builds a daemon for one store. Call Start to begin scheduling.
func New(file *version.File, mgr *trans.Manager, cfg Config) *Daemon {
	return &Daemon{
		file:    file,
		mgr:     mgr,
		cfg:     cfg,
		cron:    cron.New(),
		running: make(map[string]time.Time),
		log:     logrus.WithField("component", "syncd"),
	}
}

// Start registers the configured jobs and starts the scheduler.
func (d *Daemon) Start() error {
	if d.cfg.SyncSchedule != "" {
		if _, err := d.cron.AddFunc(d.cfg.SyncSchedule, func() { d.runJob("sync", d.syncPass) }); err != nil {
			return errors.Wrapf(err, "sync schedule %q", d.cfg.SyncSchedule)
		}
	}
	if d.cfg.VerifySchedule != "" {
		if _, err := d.cron.AddFunc(d.cfg.VerifySchedule, func() { d.runJob("verify", d.verifyPass) }); err != nil {
			return errors.Wrapf(err, "verify schedule %q", d.cfg.VerifySchedule)
		}
	}
	d.cron.Start()
	d.log.Info("maintenance daemon started")
	return nil
}

// Stop halts the scheduler and cancels a running pass.
func (d *Daemon) Stop() {
	ctx := d.cron.Stop()
	d.file.Cancel()
	<-ctx.Done()
	d.log.Info("maintenance daemon stopped")
}

// runJob executes one job with a no-overlap guard and a runtime bound.
func (d *Daemon) runJob(name string, job func() error) {
	d.mu.Lock()
	if _, busy := d.running[name]; busy {
		d.mu.Unlock()
		d.log.WithField("job", name).Debug("previous run still active; skipping")
		return
	}
	d.running[name] = time.Now()
	d.mu.Unlock()

	timeout := d.cfg.MaxRuntime
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	timer := time.AfterFunc(timeout, d.file.Cancel)

	err := job()

	timer.Stop()
	d.mu.Lock()
	started := d.running[name]
	delete(d.running, name)
	d.mu.Unlock()

	entry := d.log.WithField("job", name).WithField("took", time.Since(started))
	if err != nil {
		entry.WithError(err).Warn("maintenance job failed")
	} else {
		entry.Debug("maintenance job done")
	}
}

func (d *Daemon) syncPass() error {
	tx := d.mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
	defer d.mgr.Commit(tx)
	incomplete, modified, err := d.file.Sync(tx)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{
		"incomplete": incomplete,
		"modified":   modified,
	}).Info("sync pass finished")
	return nil
}

func (d *Daemon) verifyPass() error {
	tx := d.mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer d.mgr.Commit(tx)
	progress := &version.CollectingProgress{}
	if err := d.file.Verify(tx, version.TreatmentContinue, progress, false); err != nil {
		return err
	}
	for _, finding := range progress.Findings {
		d.log.WithField("finding", finding.String()).Warn("integrity finding")
	}
	return nil
}
