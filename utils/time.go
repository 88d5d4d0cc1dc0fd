package utils

import "time"

// Timer triggers f per millis until Stop is called.
type Timer struct {
	done chan struct{}
}

// StartTimer create a timer trigger per millis, the returned Timer
// can stop the trigger and release it.
func StartTimer(millis int, f func(time.Time)) *Timer {
	t := &Timer{done: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(time.Duration(millis) * time.Millisecond)
		for {
			select {
			case now := <-ticker.C:
				f(now)
			case <-t.done:
				ticker.Stop()
				return
			}
		}
	}()
	return t
}

// Stop stop the timer. It is safe to call once only.
func (t *Timer) Stop() {
	close(t.done)
}
