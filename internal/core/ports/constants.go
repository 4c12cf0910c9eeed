package ports

import "time"

const (
	MaxRequestBodyBytes = 1 << 20 // Callback payloads carry whole proofs
	WebsocketWriteWait  = 10 * time.Second
	WebsocketPingPeriod = 30 * time.Second
	WebsocketPongWait   = 40 * time.Second // must exceed WebsocketPingPeriod
)
