// Package eventlog implements the append-only execution-state and
// control-interface audit history backing `ank get events`: a supplement
// carried over from original_source's ank/src/cli_commands/get_events.rs,
// which the spec's distillation dropped. Grounded on the teacher's
// pkg/storage/boltdb.go bucket-plus-JSON-marshal-per-record pattern.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ankor/internal/workload"
)

var eventsBucket = []byte("events")

// Kind distinguishes the two event shapes get_events.rs reports.
type Kind string

const (
	// KindStateTransition records a workload instance's execution state
	// changing, as observed by the server's statestore.
	KindStateTransition Kind = "STATE_TRANSITION"
	// KindAccessDenied records a control-interface request an
	// authoriser rejected (§4.5).
	KindAccessDenied Kind = "ACCESS_DENIED"
)

// Event is one append-only record.
type Event struct {
	Timestamp      time.Time              `json:"timestamp"`
	Kind           Kind                   `json:"kind"`
	InstanceName   workload.InstanceName  `json:"instanceName"`
	ExecutionState *workload.ExecutionState `json:"executionState,omitempty"`
	Message        string                 `json:"message,omitempty"`
}

// Store owns a bbolt database of append-only events, keyed so that
// iteration order is by event timestamp, with insertion order breaking
// ties between equal timestamps.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures the events bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStateTransition appends an execution-state change.
func (s *Store) RecordStateTransition(name workload.InstanceName, state workload.ExecutionState, at time.Time) error {
	return s.append(Event{Timestamp: at, Kind: KindStateTransition, InstanceName: name, ExecutionState: &state})
}

// RecordAccessDenied appends a control-interface Access-denied rejection.
func (s *Store) RecordAccessDenied(name workload.InstanceName, message string, at time.Time) error {
	return s.append(Event{Timestamp: at, Kind: KindAccessDenied, InstanceName: name, Message: message})
}

func (s *Store) append(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(evt.Timestamp, seq), data)
	})
}

// sequenceKey orders entries chronologically first, then by bucket
// sequence to break ties within the same timestamp.
func sequenceKey(at time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// List returns up to limit most-recent events, newest first. limit <= 0
// means unbounded.
func (s *Store) List(limit int) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("eventlog: decode event: %w", err)
			}
			events = append(events, evt)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// ForWorkload filters List's full history down to one workload name,
// across agents and instance ids, newest first.
func (s *Store) ForWorkload(workloadName string, limit int) ([]Event, error) {
	all, err := s.List(0)
	if err != nil {
		return nil, err
	}
	var filtered []Event
	for _, evt := range all {
		if evt.InstanceName.WorkloadName != workloadName {
			continue
		}
		filtered = append(filtered, evt)
		if limit > 0 && len(filtered) >= limit {
			break
		}
	}
	return filtered, nil
}
