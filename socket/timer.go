package socket

import (
	"sync"
	"time"
)

// Timer is the repeating readiness check of one connection attempt.
type Timer interface {
	Start()
	Stop()
}

type TimerFunc func(interval time.Duration, tick func()) Timer

type pollTimer struct {
	interval time.Duration
	tick     func()

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewTimer returns a Timer calling tick every interval once started. Stop
// is idempotent and a stopped timer cannot be restarted.
func NewTimer(interval time.Duration, tick func()) Timer {
	return &pollTimer{
		interval: interval,
		tick:     tick,
		done:     make(chan struct{}),
	}
}

func (t *pollTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.stopped {
		return
	}
	t.started = true

	go t.run()
}

func (t *pollTimer) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			select {
			case <-t.done:
				return
			default:
			}
			t.tick()
		}
	}
}

func (t *pollTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
}
