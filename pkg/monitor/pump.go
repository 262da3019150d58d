package monitor

import (
	"context"
	"time"

	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/types"
)

// pump delivers engine events to the listener and ends the session on
// timeout or, with AutoStop, shortly after the first credential.
func (m *Monitor) pump(ctx context.Context, id string, events <-chan capture.Event, done chan<- struct{}) {
	defer close(done)

	var timeout <-chan time.Time
	if d := m.cfg.Monitor.WaitTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	var grace <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-events:
			switch ev.Kind {
			case capture.EventCredential:
				m.listener.OnCredential(id, ev.Credential)
				timeout = nil
				if m.cfg.Monitor.AutoStop && grace == nil {
					m.logger.Info("Credential captured, stopping soon", "session", id, "grace", m.cfg.Monitor.StopGrace)
					timer := time.NewTimer(m.cfg.Monitor.StopGrace)
					defer timer.Stop()
					grace = timer.C
				}
			case capture.EventRecords:
				m.listener.OnRecords(id, ev.Records, ev.Label)
			}

		case <-grace:
			go m.finish(id, nil)
			return

		case <-timeout:
			err := types.NewLifecycleError("no credential captured", types.ErrTimedOut).
				WithContext("timeout", m.cfg.Monitor.WaitTimeout.String())
			m.logger.Warn("Monitoring timed out", "session", id, "timeout", m.cfg.Monitor.WaitTimeout)
			m.listener.OnError(id, err)
			go m.finish(id, err)
			return
		}
	}
}
