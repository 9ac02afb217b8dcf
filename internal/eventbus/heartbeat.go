package eventbus

import "time"

// HeartbeatLoop passes a heartbeat Event to emit on each tick at which at
// least interval has passed since *lastActivity (§4.6: "heartbeat emitted
// every 10s by the stream generator itself if no traffic"). It blocks in
// its own loop until stop is closed. The SSE handler in internal/ingress
// does not call it; that handler runs its own heartbeat ticker.
func HeartbeatLoop(interval time.Duration, lastActivity *time.Time, emit func(Event), stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.Sub(*lastActivity) >= interval {
				emit(Event{Type: EventHeartbeat, Data: map[string]string{"ts": now.UTC().Format(time.RFC3339)}})
			}
		}
	}
}
