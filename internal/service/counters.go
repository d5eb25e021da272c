package service

import "sync/atomic"

// Counters are the cumulative usage counters shared by both forwarders.
type Counters struct {
	HTTPRequests atomic.Int64
	WSSessions   atomic.Int64
	Errors       atomic.Int64
}
