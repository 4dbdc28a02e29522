package types

import "fmt"

// Location is a region a test is executed from
type Location struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Device identifies the browser/device a result was produced on
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ServerTrigger is returned once by the backend when a batch is created
type ServerTrigger struct {
	BatchID   string
	Locations []Location
}

// EntryStatus is the final status of a finalized batch entry
type EntryStatus string

const (
	EntryStatusPassed EntryStatus = "passed"
	EntryStatusFailed EntryStatus = "failed"
)

// EntryKind discriminates the BatchEntry variants
type EntryKind int

const (
	EntryKindPending EntryKind = iota
	EntryKindFinalized
	EntryKindSkippedBySelectiveRerun
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindPending:
		return "pending"
	case EntryKindFinalized:
		return "finalized"
	case EntryKindSkippedBySelectiveRerun:
		return "skipped_by_selective_rerun"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// EntryKey identifies one execution slot of a batch: a test on a location and device.
// Result ids change between retries, the key does not.
type EntryKey struct {
	TestID   string
	Location string
	Device   string
}

func (k EntryKey) String() string {
	s := k.TestID
	if k.Location != "" {
		s += "@" + k.Location
	}
	if k.Device != "" {
		s += "/" + k.Device
	}
	return s
}

// BatchEntry is one element of a polled batch. The concrete type is one of
// *PendingEntry, *FinalizedEntry or *SkippedEntry, selected by Kind.
type BatchEntry interface {
	Kind() EntryKind
	Key() EntryKey
	batchEntry()
}

// SelectiveRerun is the backend's decision about re-executing a test for this commit
type SelectiveRerun struct {
	Decision       string `json:"decision"`
	Reason         string `json:"reason,omitempty"`
	LinkedResultID string `json:"linked_result_id,omitempty"`
}

// PendingEntry is a non-terminal entry. LastStatus is set when the last attempt failed
// and the provider will retry it.
type PendingEntry struct {
	TestID        string
	ResultID      string
	Location      string
	Device        *Device
	Retries       int
	MaxRetries    int
	LastStatus    EntryStatus
	ExecutionRule ExecutionRule
}

// FinalizedEntry is a terminal entry with a passed or failed status
type FinalizedEntry struct {
	TestID         string
	ResultID       string
	Location       string
	Device         *Device
	Status         EntryStatus
	Retries        int
	MaxRetries     int
	TimedOut       bool
	FailureReason  string
	ExecutionRule  ExecutionRule
	SelectiveRerun *SelectiveRerun
}

// SkippedEntry is terminal on first observation: the backend reused a previous result
type SkippedEntry struct {
	TestID         string
	Reason         string
	LinkedResultID string
}

func (*PendingEntry) Kind() EntryKind   { return EntryKindPending }
func (*FinalizedEntry) Kind() EntryKind { return EntryKindFinalized }
func (*SkippedEntry) Kind() EntryKind   { return EntryKindSkippedBySelectiveRerun }

func (e *PendingEntry) Key() EntryKey {
	return EntryKey{TestID: e.TestID, Location: e.Location, Device: deviceID(e.Device)}
}

func (e *FinalizedEntry) Key() EntryKey {
	return EntryKey{TestID: e.TestID, Location: e.Location, Device: deviceID(e.Device)}
}

func (e *SkippedEntry) Key() EntryKey {
	return EntryKey{TestID: e.TestID}
}

func (*PendingEntry) batchEntry()   {}
func (*FinalizedEntry) batchEntry() {}
func (*SkippedEntry) batchEntry()   {}

// IsTerminal reports whether an entry will no longer change
func IsTerminal(e BatchEntry) bool {
	switch e.Kind() {
	case EntryKindFinalized, EntryKindSkippedBySelectiveRerun:
		return true
	case EntryKindPending:
		return false
	default:
		panic(fmt.Sprintf("unknown batch entry kind %s", e.Kind()))
	}
}

// TimedOut converts a pending entry into the finalized entry synthesized when the batch deadline passes
func (e *PendingEntry) TimedOut(reason string) *FinalizedEntry {
	return &FinalizedEntry{
		TestID:        e.TestID,
		ResultID:      e.ResultID,
		Location:      e.Location,
		Device:        e.Device,
		Status:        EntryStatusFailed,
		Retries:       e.Retries,
		MaxRetries:    e.MaxRetries,
		TimedOut:      true,
		FailureReason: reason,
		ExecutionRule: e.ExecutionRule,
	}
}

func deviceID(d *Device) string {
	if d == nil {
		return ""
	}
	return d.ID
}
