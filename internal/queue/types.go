package queue

import (
	"encoding/json"
	"fmt"
)

// Operation is the kind of mutation a pending operation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// EntityType names the kind of row a pending operation targets.
type EntityType string

const (
	EntitySector  EntityType = "sector"
	EntityCycle   EntityType = "cycle"
	EntityService EntityType = "service"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntitySector, EntityCycle, EntityService:
		return true
	default:
		return false
	}
}

// PendingOperation is a deferred write awaiting connectivity. Field names
// match the persisted JSON so queues written by older builds still load.
type PendingOperation struct {
	ID         string          `json:"id"`
	Operation  Operation       `json:"operation"`
	EntityType EntityType      `json:"entityType"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Key is the upsert identity of an operation.
type Key struct {
	ID         string
	EntityType EntityType
}

// Key returns the (id, entityType) pair that identifies op in the queue.
func (op PendingOperation) Key() Key {
	return Key{ID: op.ID, EntityType: op.EntityType}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.EntityType, k.ID)
}

// NewOperation builds a PendingOperation, encoding data as JSON.
// The timestamp is stamped when the operation is added to a queue.
func NewOperation(id string, op Operation, entity EntityType, data any) (PendingOperation, error) {
	var raw json.RawMessage

	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return PendingOperation{}, fmt.Errorf("queue: encoding %s/%s payload: %w", entity, id, err)
		}

		raw = b
	}

	return PendingOperation{ID: id, Operation: op, EntityType: entity, Data: raw}, nil
}

// SyncResult summarizes one flush.
type SyncResult struct {
	Skipped   bool `json:"skipped"` // another flush was running
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
}
