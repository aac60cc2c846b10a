package relay

import (
	"context"
	"log"
	"time"
)

// RunMetrics logs room and voice-plane stats every interval until ctx is
// canceled. Quiet intervals (no users, no traffic) are skipped.
func RunMetrics(ctx context.Context, room *Room, voice *VoiceServer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broadcasts, lagDrops, users := room.Stats()
			datagrams, bytes, dropped, skipped := voice.Stats()
			if users == 0 && datagrams == 0 && broadcasts == 0 {
				continue
			}
			log.Printf("[metrics] users=%d broadcasts=%d lag_drops=%d datagrams=%d bytes=%d (%.1f KB/s) dropped=%d skipped=%d",
				users, broadcasts, lagDrops, datagrams, bytes,
				float64(bytes)/interval.Seconds()/1024, dropped, skipped)
		}
	}
}
