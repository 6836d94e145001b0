// Package persistence defines the instance snapshot store contract. The host
// emits a snapshot after every state replacement; the payload is opaque to
// the store, only the owning strategy's serialization hooks understand it.
package persistence

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantfoundry/algoexec/errs"
)

// Snapshot is one persisted instance record.
type Snapshot struct {
	GroupID         string          `json:"groupId"`
	StrategyID      string          `json:"strategyId"`
	SerializedState json.RawMessage `json:"serializedState"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"createdAt"`
	LastActiveAt    time.Time       `json:"lastActiveAt"`
}

// Validate checks the snapshot is storable.
func (s Snapshot) Validate() error {
	const op = "persistence.Snapshot"
	if s.GroupID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("group id required"))
	}
	if s.StrategyID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	if len(s.SerializedState) == 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("serialized state required"))
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	clone := s
	if s.SerializedState != nil {
		clone.SerializedState = append(json.RawMessage(nil), s.SerializedState...)
	}
	return clone
}

// Store persists instance snapshots.
type Store interface {
	// Save upserts the snapshot by group id.
	Save(ctx context.Context, snapshot Snapshot) error

	// Get returns the snapshot for the group id, or a not_found error.
	Get(ctx context.Context, groupID string) (Snapshot, error)

	// ListActive returns every snapshot still marked active, the set a
	// restarted host resumes.
	ListActive(ctx context.Context) ([]Snapshot, error)

	// Deactivate marks the instance stopped without deleting its record.
	Deactivate(ctx context.Context, groupID string) error

	// Delete removes the record.
	Delete(ctx context.Context, groupID string) error
}
