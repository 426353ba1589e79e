package task

import (
	"sync/atomic"
	"time"
)

// Stats 汇总处理器的运行计数，供健康检查展示。
type Stats struct {
	Received      int64 `json:"received"`
	Succeeded     int64 `json:"succeeded"`
	Retried       int64 `json:"retried"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	InFlight      int64 `json:"in_flight"`
	LastHandledAt int64 `json:"last_handled_at,omitempty"`
}

type counters struct {
	received, succeeded, retried, failed, dropped, inFlight, lastHandled atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:      c.received.Load(),
		Succeeded:     c.succeeded.Load(),
		Retried:       c.retried.Load(),
		Failed:        c.failed.Load(),
		Dropped:       c.dropped.Load(),
		InFlight:      c.inFlight.Load(),
		LastHandledAt: c.lastHandled.Load(),
	}
}

func (c *counters) handled(now time.Time) {
	c.lastHandled.Store(now.UnixMilli())
}
