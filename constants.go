package server

import "time"

const (
	ProtocolVersion = 1

	defaultGridWidth      = 20
	defaultGridHeight     = 20
	defaultTickRate       = 4
	defaultQueueThreshold = 1024
	defaultLeaseDuration  = 60 * time.Second
	defaultGraceWindow    = 5 * time.Second
	defaultRelayCapacity  = 100
	defaultWorkers        = 64
	defaultDeliveryWait   = 2 * time.Second
)

// Disconnect reasons reported in lifecycle events.
const (
	ReasonClosed  = "closed"
	ReasonEvicted = "evicted"
)
