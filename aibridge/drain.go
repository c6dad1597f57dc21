package aibridge

import (
	"context"
	"time"

	"ari2ai/media"
	"ari2ai/metrics"
)

const drainLogEvery = 50 * time.Millisecond

// drainBound is the time the current response needs to play out, plus
// slack, capped at maxWait.
func drainBound(deltaBytes int, maxWait time.Duration) time.Duration {
	bound := time.Second
	if deltaBytes > 0 {
		ms := (deltaBytes*1000 + media.SampleRate - 1) / media.SampleRate
		bound = time.Duration(ms)*time.Millisecond + 500*time.Millisecond
	}
	if maxWait > 0 && bound > maxWait {
		bound = maxWait
	}
	return bound
}

// WaitForDrain blocks until the audio queued for id has been sent or the
// drain bound elapses. It reports whether the queues emptied in time; a
// false result is only logged.
func (o *Orchestrator) WaitForDrain(ctx context.Context, id string, maxWait, poll time.Duration) bool {
	log := o.log.WithField("call", id)
	sess, ok := o.store.Get(id)
	if !ok {
		return true
	}
	md, ok := sess.Media.(Media)
	if !ok || md == nil {
		log.Debug("no media attached, nothing to drain")
		return true
	}
	if poll <= 0 {
		poll = DefaultDrainPoll
	}

	start := time.Now()
	bound := drainBound(sess.DeltaBytes, maxWait)
	deadline := start.Add(bound)
	finished := md.NotifyFinished()

	empty := func() bool {
		pending, packets := md.Buffered()
		return pending == 0 && packets == 0
	}

	var lastLog time.Time
	for !empty() && time.Now().Before(deadline) {
		if now := time.Now(); now.Sub(lastLog) >= drainLogEvery {
			log.Debug("waiting for RTP queues to empty")
			lastLog = now
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
	if !empty() {
		metrics.DrainTimeouts.Inc()
		log.Warnf("timeout waiting for RTP queues to empty after %s", bound)
		return false
	}

	if remaining := time.Until(deadline); remaining > 0 {
		t := time.NewTimer(remaining)
		defer t.Stop()
		select {
		case <-finished:
		case <-t.C:
		case <-ctx.Done():
		}
	}
	log.Debugf("drain completed in %s", time.Since(start).Round(time.Millisecond))
	return true
}
