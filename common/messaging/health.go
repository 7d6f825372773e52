package messaging

import (
	"context"
	"fmt"
	"time"
)

// Pinger is a broker connection that can report connectivity and round-trip time.
type Pinger interface {
	IsConnected() bool
	RTT() (time.Duration, error)
}

// HealthStatus is the broker entry of a readiness report.
type HealthStatus struct {
	Connected bool    `json:"connected"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Healthy reports whether the broker is connected and answered the ping.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}

// String renders the status for a readiness check map.
func (s HealthStatus) String() string {
	if s.Healthy() {
		return "ok"
	}
	return s.Error
}

// CheckHealth verifies the connection and measures one server round trip.
func CheckHealth(ctx context.Context, p Pinger) HealthStatus {
	var status HealthStatus
	switch {
	case p == nil:
		status.Error = "client is nil"
		return status
	case ctx.Err() != nil:
		status.Error = ctx.Err().Error()
		return status
	}

	if status.Connected = p.IsConnected(); !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}
	rtt, err := p.RTT()
	if err != nil {
		status.Error = fmt.Sprintf("health check failed: %v", err)
		return status
	}
	status.LatencyMS = float64(rtt) / float64(time.Millisecond)
	return status
}
