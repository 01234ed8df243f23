package emagsync

import (
	"fmt"
	"time"
)

// ConflictDecision is the outcome of a per-field conflict check.
type ConflictDecision int

const (
	// TakeRemote overwrites the local value with the remote one.
	TakeRemote ConflictDecision = iota
	// KeepLocal leaves the local value untouched.
	KeepLocal
	// FlagManual writes neither; the record is flagged for human review.
	FlagManual
)

// ConflictPolicy decides, field by field, whether the remote or the local
// value wins. It is a pure function: given the same inputs it must return the
// same decision, which is what makes upserts replayable.
type ConflictPolicy func(field string, local, remote interface{}, localAt, remoteAt time.Time) ConflictDecision

// RemoteWins always takes the remote value. The default for mirror data the
// local system never edits.
func RemoteWins() ConflictPolicy {
	return func(string, interface{}, interface{}, time.Time, time.Time) ConflictDecision {
		return TakeRemote
	}
}

// LocalWins protects the named fields from remote overwrites (manually
// overridden prices and the like); everything else takes the remote value.
func LocalWins(authoritative ...string) ConflictPolicy {
	protected := make(map[string]bool, len(authoritative))
	for _, f := range authoritative {
		protected[f] = true
	}
	return func(field string, _, _ interface{}, _, _ time.Time) ConflictDecision {
		if len(protected) == 0 || protected[field] {
			return KeepLocal
		}
		return TakeRemote
	}
}

// NewestWins compares timestamps; the remote value wins only when the remote
// item was modified after the local record.
func NewestWins() ConflictPolicy {
	return func(_ string, _, _ interface{}, localAt, remoteAt time.Time) ConflictDecision {
		if remoteAt.After(localAt) {
			return TakeRemote
		}
		return KeepLocal
	}
}

// ManualReview never writes a conflicting field; any difference flags the
// record for human review instead.
func ManualReview() ConflictPolicy {
	return func(string, interface{}, interface{}, time.Time, time.Time) ConflictDecision {
		return FlagManual
	}
}

// PolicyForStrategy maps a configured strategy name to its policy, so runs
// can be parameterized without touching the upsert layer.
func PolicyForStrategy(name string) (ConflictPolicy, error) {
	switch name {
	case "", "remote_wins":
		return RemoteWins(), nil
	case "local_wins":
		return LocalWins(), nil
	case "newest_wins":
		return NewestWins(), nil
	case "manual":
		return ManualReview(), nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", name)
	}
}
