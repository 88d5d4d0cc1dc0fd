package machine

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zhipwang/copycat/utils"
)

// startWatchdog run the reference leak check on a periodic tick. A
// commit outstanding past the grace window is reported as a stall
// condition, never auto-resolved: forcibly releasing would break the
// backpressure contract, so the surrounding system decides. The tick
// also sweeps terminal sessions that drained below the watermark.
func (e *Executor) startWatchdog(cfg Config) *utils.Timer {
	grace := cfg.LeakGrace
	return utils.StartTimer(cfg.LeakTickMillis, func(now time.Time) {
		e.checkLeak(now, grace)
		e.Sweep()
	})
}

func (e *Executor) checkLeak(now time.Time, grace time.Duration) {
	e.mutex.Lock()
	index, sinceNanos, ok := e.core.OldestOutstanding()
	e.mutex.Unlock()
	if !ok {
		return
	}

	age := now.Sub(time.Unix(0, sinceNanos))
	if age < grace {
		return
	}

	log.Warnf("%d commit %d unreleased for %v, compaction stalled",
		e.id, index, age)
	e.observer.OnReferenceLeak(index, age)
}
