package send

import (
	"time"

	"github.com/nodeforge/cnagent/pkg/metrics"
	"github.com/nodeforge/cnagent/pkg/migration"
)

const (
	progressInterval  = 1 * time.Second
	keepaliveInterval = 60 * time.Second
)

// startProgressTicker starts the 1Hz progress publisher: every second
// it recomputes bytes sent and a moving-average transfer rate
// (exponentially weighted over the one-second samples), publishing to watchers
// when bytes moved and force-publishing every 60s as a keepalive even
// when none did. Returns a stop function.
func (p *Process) startProgressTicker(sess *migration.Session, vmUUID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		// smoothing is the weight of the newest one-second sample in the
		// moving-average rate.
		const smoothing = 0.2
		var lastSent uint64
		var rate float64
		seeded := false
		lastTick := time.Now()
		sinceKeepalive := time.Duration(0)

		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				elapsed := now.Sub(lastTick)
				lastTick = now
				sinceKeepalive += elapsed

				sent := sess.TotalSent()
				delta := sent - lastSent
				lastSent = sent

				sample := float64(delta) / elapsed.Seconds()
				if seeded {
					rate = smoothing*sample + (1-smoothing)*rate
				} else {
					rate = sample
					seeded = true
				}
				metrics.MigrationBytesPerSecond.WithLabelValues(vmUUID).Set(rate)

				store := false
				if sinceKeepalive >= keepaliveInterval {
					store = true
					sinceKeepalive = 0
				}
				if delta == 0 && !store {
					continue
				}

				total := sess.TotalEstimated()
				var etaMs int64
				if rate > 0 && total > sent {
					etaMs = int64(float64(total-sent) / rate * 1000)
				}

				payload := migration.ProgressPayload{
					CurrentProgress:        int64(sent),
					TotalProgress:          int64(total),
					TransferBytesPerSecond: rate,
					ETAMillis:              etaMs,
					Phase:                  "sync",
					State:                  "running",
					Store:                  store,
				}
				p.broadcastProgress(payload)
			}
		}
	}()

	return func() { close(done) }
}

func (p *Process) broadcastProgress(payload migration.ProgressPayload) {
	p.mu.Lock()
	watchers := append([]*migration.Conn(nil), p.watchers...)
	p.mu.Unlock()

	for _, w := range watchers {
		_ = w.EncodePayload(migration.TypeProgress, "", "", payload)
	}
}
