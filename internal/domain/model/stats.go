package model

import "time"

// HubStats is a point-in-time snapshot of live fan-out state.
type HubStats struct {
	Conversations   int            `json:"conversations"`
	Subscriptions   int            `json:"subscriptions"`
	ByTransport     map[string]int `json:"by_transport,omitempty"`
	QueuedEnvelopes int            `json:"queued_envelopes"`
	Uptime          time.Duration  `json:"uptime"`
}

// StoreStats counts durable rows.
type StoreStats struct {
	Rooms        int64 `json:"rooms"`
	Envelopes    int64 `json:"envelopes"`
	LiveSessions int64 `json:"live_sessions"`
	Cursors      int64 `json:"cursors"`
}

// GatewayStats is the /v1/stats payload consumed by operators and the
// terminal dashboard.
type GatewayStats struct {
	StartedAt time.Time  `json:"started_at"`
	Hub       HubStats   `json:"hub"`
	Store     StoreStats `json:"store"`
}
