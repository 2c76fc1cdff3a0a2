// Package domain holds the machine definition model, the mutable runtime
// record and the parsing of domain XML.
package domain

// NoPID is stored in Record.PID while no process is tracked.
const NoPID = -1

// NoID is the runtime id of a domain that is not running.
const NoID = -1

// DefaultNICModel is used when an interface does not name a model.
const DefaultNICModel = "e1000"

// Interface describes one guest network interface.
type Interface struct {
	Type   string // "bridge" or "network"
	MAC    string
	Model  string
	Source string // bridge name or network name, depending on Type
	Target string // host side device name, if given
}

// Definition is the static description of a machine, derived once from XML.
type Definition struct {
	Name        string
	UUID        string
	MemoryMiB   int
	VCPUs       int
	DiskPath    string
	CDROMPath   string
	KVM         bool
	Interfaces  []Interface
	MonitorPath string

	// XML is the full description text, including a generated <uuid> if one
	// was injected during parsing.
	XML string

	// UUIDGenerated reports whether Parse had to generate the UUID, in which
	// case XML differs from the input and should be persisted.
	UUIDGenerated bool
}

// State mirrors the libvirt domain state numbering.
type State int

const (
	StateNoState State = iota
	StateRunning
	StateBlocked
	StatePaused
	StateShutdown
	StateShutoff
	StateCrashed
	StatePMSuspended
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "in shutdown"
	case StateShutoff:
		return "shut off"
	case StateCrashed:
		return "crashed"
	case StatePMSuspended:
		return "pmsuspended"
	default:
		return "no state"
	}
}

// Reason explains the last state transition.
type Reason string

const (
	ReasonUnknown   Reason = "unknown"
	ReasonBooted    Reason = "booted"
	ReasonStarted   Reason = "started"
	ReasonDestroyed Reason = "destroyed"
	ReasonShutdown  Reason = "shutdown"
	ReasonFailed    Reason = "failed"
)

// Record is the mutable runtime state tracked for one defined machine.
//
// PID is a live process if and only if State is StateRunning; in every other
// state it is NoPID.
type Record struct {
	Def        *Definition
	PID        int
	ID         int
	State      State
	Reason     Reason
	Persistent bool
	Autostart  bool
}

// NewRecord returns a shut off, persistent record for def.
func NewRecord(def *Definition) *Record {
	return &Record{
		Def:        def,
		PID:        NoPID,
		ID:         NoID,
		State:      StateShutoff,
		Reason:     ReasonUnknown,
		Persistent: true,
	}
}

// Running reports whether the record tracks a process.
func (r *Record) Running() bool {
	return r.PID != NoPID
}

// MarkRunning moves the record to StateRunning for pid.
func (r *Record) MarkRunning(pid, id int, reason Reason) {
	r.PID = pid
	r.ID = id
	r.State = StateRunning
	r.Reason = reason
}

// MarkShutoff clears the process and moves the record to StateShutoff.
func (r *Record) MarkShutoff(reason Reason) {
	r.PID = NoPID
	r.ID = NoID
	r.State = StateShutoff
	r.Reason = reason
}
