package capture

import (
	"time"
)

type State string

const (
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
)

// Health is a snapshot of one engine's connection and coverage.
type Health struct {
	Camera            string        `json:"camera"`
	Session           string        `json:"session,omitempty"`
	State             State         `json:"state"`
	FPS               float64       `json:"fps"`
	LastSuccess       time.Time     `json:"last_success,omitzero"`
	Reachable         bool          `json:"reachable"`
	ProbeRTT          time.Duration `json:"probe_rtt,omitempty"`
	Recorded          time.Duration `json:"recorded"`
	Disconnected      time.Duration `json:"disconnected"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	Reconnects        int           `json:"reconnects"`
	Segments          int           `json:"segments"`
	Current           string        `json:"current,omitempty"`
}

// Coverage is the recorded share of recorded plus disconnected time.
func (h Health) Coverage() float64 {
	total := h.Recorded + h.Disconnected
	if total <= 0 {
		return 0
	}
	return float64(h.Recorded) / float64(total)
}

// fpsMeter estimates frames per second over a trailing window.
type fpsMeter struct {
	window time.Duration
	since  time.Time
	times  []time.Time
}

func newFPSMeter(window time.Duration) *fpsMeter {
	return &fpsMeter{window: window}
}

func (m *fpsMeter) reset(now time.Time) {
	m.since = now
	m.times = m.times[:0]
}

func (m *fpsMeter) add(t time.Time) {
	m.times = append(m.times, t)
}

func (m *fpsMeter) trim(now time.Time) {
	cut := now.Add(-m.window)
	i := 0
	for i < len(m.times) && !m.times[i].After(cut) {
		i++
	}
	if i > 0 {
		m.times = append(m.times[:0], m.times[i:]...)
	}
}

// rate returns the estimate and whether a full window has been observed.
func (m *fpsMeter) rate(now time.Time) (float64, bool) {
	m.trim(now)
	if m.window <= 0 {
		return 0, false
	}
	fps := float64(len(m.times)) / m.window.Seconds()
	return fps, now.Sub(m.since) >= m.window
}
