package helper

import "time"

// Ticker drives periodic background work. The work loop calls Reset once it is ready for the next
// tick, so a slow iteration delays the next one instead of piling up ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

type timerTicker struct {
	timer    *time.Timer
	interval time.Duration
}

// NewTimerTicker returns a Ticker that ticks once the interval has passed since the last Reset.
// It doesn't tick before the first Reset.
func NewTimerTicker(interval time.Duration) Ticker {
	timer := time.NewTimer(interval)
	if !timer.Stop() {
		<-timer.C
	}

	return &timerTicker{timer: timer, interval: interval}
}

func (tt *timerTicker) C() <-chan time.Time { return tt.timer.C }

// Reset drains a pending tick and restarts the interval.
func (tt *timerTicker) Reset() {
	if !tt.timer.Stop() {
		select {
		case <-tt.timer.C:
		default:
		}
	}

	tt.timer.Reset(tt.interval)
}

func (tt *timerTicker) Stop() { tt.timer.Stop() }

// ManualTicker is a Ticker for tests which ticks only when Tick is called. StopFunc and ResetFunc
// are invoked by Stop and Reset.
type ManualTicker struct {
	c         chan time.Time
	StopFunc  func()
	ResetFunc func()
}

// NewManualTicker returns a ManualTicker which does nothing on Stop and Reset.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:         make(chan time.Time, 1),
		StopFunc:  func() {},
		ResetFunc: func() {},
	}
}

//nolint: revive,stylecheck // This is documented on the interface.
func (mt *ManualTicker) C() <-chan time.Time { return mt.c }

//nolint: revive,stylecheck // This is documented on the interface.
func (mt *ManualTicker) Stop() { mt.StopFunc() }

//nolint: revive,stylecheck // This is documented on the interface.
func (mt *ManualTicker) Reset() { mt.ResetFunc() }

// Tick sends a tick.
func (mt *ManualTicker) Tick() { mt.c <- time.Now() }

// NewCountTicker returns a ManualTicker which ticks on each of the first n Resets. The Reset after
// those calls the callback instead, which usually cancels the loop under test.
func NewCountTicker(n int, callback func()) *ManualTicker {
	ticker := NewManualTicker()
	ticker.ResetFunc = func() {
		n--
		if n < 0 {
			callback()
			return
		}

		ticker.Tick()
	}

	return ticker
}
