package trial

import "time"

// Status is a trial's lifecycle state. The zero value is not a valid status;
// every trial's first status event is Set to StatusNew.
type Status string

const (
	StatusNew         Status = "new"
	StatusReserved    Status = "reserved"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusBroken      Status = "broken"
	StatusInterrupted Status = "interrupted"
	StatusSuspended   Status = "suspended"
	StatusSwitchover  Status = "switchover"
	StatusFailover    Status = "failover"
	StatusBranched    Status = "branched"
)

// reservable lists the statuses a worker may reserve a trial from, per
// spec.md §4.5: new trials, trials whose previous worker gave up cleanly
// (suspended, interrupted), trials a Cure scan revived (failover), and
// trials manually revived (switchover).
var reservable = map[Status]bool{
	StatusNew:         true,
	StatusSuspended:   true,
	StatusInterrupted: true,
	StatusFailover:    true,
	StatusSwitchover:  true,
}

// IsReservable reports whether a worker may call Reserve on a trial
// currently in status s.
func IsReservable(s Status) bool { return reservable[s] }

// transitions maps a from-status to the set of statuses it may move to.
// This is the state machine table of spec.md §4.3: new -> reserved ->
// running -> {completed, broken, interrupted, suspended}, plus
// reserved|broken -> switchover, running -> running (heartbeat), the
// reservable set -> reserved (reserve), and the reservable set plus
// reserved|broken -> branched.
var transitions = map[Status]map[Status]bool{
	StatusNew:         {StatusReserved: true, StatusBranched: true},
	StatusReserved:    {StatusRunning: true, StatusSwitchover: true, StatusBranched: true},
	StatusRunning:     {StatusRunning: true, StatusCompleted: true, StatusBroken: true, StatusInterrupted: true, StatusSuspended: true},
	StatusSuspended:   {StatusReserved: true, StatusBranched: true},
	StatusInterrupted: {StatusReserved: true, StatusBranched: true},
	StatusFailover:    {StatusReserved: true, StatusBranched: true},
	StatusSwitchover:  {StatusReserved: true, StatusBranched: true},
	StatusBroken:      {StatusSwitchover: true, StatusBranched: true},
	StatusCompleted:   {},
	StatusBranched:    {},
}

// canTransition reports whether moving from `from` to `to` is a legal
// status event per the state machine table.
func canTransition(from, to Status) bool {
	if from == "" {
		return to == StatusNew
	}
	return transitions[from][to]
}

// Report is the derived, mutable view of a trial's current state: rewritten
// (not appended) on every transition, unlike the event log it summarizes.
// It exists so a worker's outer loop (spec.md §4.5) can query by tags and
// status without replaying every trial's full event history. Mirrors the
// trials.reports schema: Status/StartTime nested under "registry", the
// header fields duplicated flat alongside Tags for query convenience.
type Report struct {
	TrialID       ID
	Status        Status
	StartTime     time.Time
	Tags          []string
	Host          Host
	Version       Version
	Commandline   Commandline
	Configuration Configuration
}
