package wal

import "github.com/ChuLiYu/plan2mesh/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the job-transition events recorded by the journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Job created in queued state
	EventStart    EventType = "START"    // Worker picked the job up
	EventProgress EventType = "PROGRESS" // Progress waypoint applied
	EventComplete EventType = "COMPLETE" // Terminal success
	EventFail     EventType = "FAIL"     // Terminal failure
	EventDelete   EventType = "DELETE"   // Job removed from the registry
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Status    types.JobStatus `json:"status"`    // Status after the transition
	Progress  int             `json:"progress"`  // Progress after the transition
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum

	// Job carries the full record for SUBMIT and terminal events so replay
	// can rebuild jobs that were never captured by a snapshot.
	Job *types.Job `json:"job,omitempty"`
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
