package progress

import (
	"sync"
	"time"
)

// An UpdateFunc is a callback for an Updater.
//
// The final argument is true if Updater.Done has been called, which means that
// the current call will be the last.
type UpdateFunc func(runtime time.Duration, final bool)

// An Updater controls a goroutine that periodically calls an UpdateFunc.
//
// The UpdateFunc is also called when SIGUSR1 (or SIGINFO, on BSD) is received.
type Updater struct {
	update   UpdateFunc
	interval time.Duration
	start    time.Time
	stopped  chan struct{} // closed by run()
	stop     chan struct{} // closed by Done()
	once     sync.Once
}

// NewUpdater starts a new Updater. The interval is the time between calls of
// the UpdateFunc. If the interval is zero, the Updater only reports the final
// value.
func NewUpdater(interval time.Duration, update UpdateFunc) *Updater {
	c := &Updater{
		interval: interval,
		start:    time.Now(),
		stopped:  make(chan struct{}),
		stop:     make(chan struct{}),
		update:   update,
	}

	go c.run()
	return c
}

// Done tells an Updater to stop and waits for it to report its final value.
// Later calls do nothing.
func (c *Updater) Done() {
	if c == nil || c.stop == nil {
		return
	}
	c.once.Do(func() { close(c.stop) })
	<-c.stopped // Wait for last progress report.
}

func (c *Updater) run() {
	defer close(c.stopped)
	defer func() {
		// Must be a func so that time.Since isn't called at defer time.
		c.update(time.Since(c.start), true)
	}()

	var tick <-chan time.Time
	if c.interval > 0 {
		t := time.NewTicker(c.interval)
		defer t.Stop()
		tick = t.C
	}

	signals := setupSignals()
	defer teardownSignals(signals)

	for {
		var now time.Time

		select {
		case now = <-tick:
		case sig := <-signals:
			_ = sig
			now = time.Now()
		case <-c.stop:
			return
		}

		c.update(now.Sub(c.start), false)
	}
}
