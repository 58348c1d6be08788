package server

import (
	"time"

	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/supervisor"
)

// Report is the daemon status served on {basePath}/status and printed by
// "camwarden status".
type Report struct {
	PID        int                 `json:"pid" yaml:"pid"`
	StartedAt  time.Time           `json:"started_at" yaml:"started_at"`
	Supervisor supervisor.Snapshot `json:"supervisor" yaml:"supervisor"`
	Disk       *diskguard.Report   `json:"disk,omitempty" yaml:"disk,omitempty"`
	Uploads    map[string]int      `json:"uploads,omitempty" yaml:"uploads,omitempty"`
}
