package scheduler

import "time"

// IdentityType values accepted by SyncTo.
const (
	TypeScheduler = "scheduler"
	TypeCenter    = "center"
)

// WorkerInfo is a registered worker.
type WorkerInfo struct {
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	Threads       int       `json:"threads"`
	PID           int       `json:"pid,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ResourceSample is one resource measurement reported by a worker.
type ResourceSample struct {
	Time          time.Time `json:"time"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
}

// Identity describes a scheduling service.
type Identity struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Workers int    `json:"workers"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Worker WorkerInfo `json:"worker"`
}

// UnregisterRequest is the body of POST /unregister.
type UnregisterRequest struct {
	Name string `json:"name"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	Name   string          `json:"name"`
	Sample *ResourceSample `json:"sample,omitempty"`
}

// WorkersResponse is the body of GET /workers.
type WorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

// ResourcesResponse is the body of GET /resources/{name}.
type ResourcesResponse struct {
	Name    string           `json:"name"`
	Samples []ResourceSample `json:"samples"`
}
