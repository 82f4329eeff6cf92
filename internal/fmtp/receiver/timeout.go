package receiver

import (
	"context"
	"time"
)

// timeoutLoop is the timeout thread (§4.8): periodically scans incomplete
// products whose BOP age exceeds retxTimeout and declares them
// unrecoverable.
func (r *Receiver) timeoutLoop(stop <-chan struct{}) (interface{}, error) {
	interval := r.cfg.RetxTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil, nil
		case <-ticker.C:
			r.sweepTimeouts()
		}
	}
}

func (r *Receiver) sweepTimeouts() {
	now := time.Now()

	var missed []uint32
	r.mu.Lock()
	for index, p := range r.products {
		if p.phase == phaseComplete || p.ignored {
			continue
		}
		if now.Sub(p.startedAt) > r.cfg.RetxTimeout {
			missed = append(missed, index)
			delete(r.products, index)
		}
	}
	r.mu.Unlock()

	for _, index := range missed {
		if r.callbacks.OnMissed != nil {
			r.callbacks.OnMissed(index)
		}
		if r.metrics != nil {
			r.metrics.RecordProductMissed(context.Background(), feedName(r.cfg.Feed))
		}
	}
}
