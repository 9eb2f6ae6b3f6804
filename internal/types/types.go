// Package types defines the plain data shapes shared by every engine
// package: models, sync queue rows, and the small enums that describe
// their lifecycle. Nothing in this package talks to a store or the
// network; model instances are inert data and never carry repository
// backreferences.
package types

import "time"

// Op is the kind of mutation recorded against a model row.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// QueueStatus is the lifecycle state of a SyncQueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusDead       QueueStatus = "dead"
)

// SyncStatus is the denormalized, per-model-row projection over queue
// state: pending iff a non-dead queue row exists, dead iff
// only dead rows exist, else synced.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusDead    SyncStatus = "dead"
)

// NegotiationStatus tracks a server-generated-ID model through the
// temporary-id -> negotiated-id handoff.
type NegotiationStatus string

const (
	NegotiationPending    NegotiationStatus = "pending"
	NegotiationInProgress NegotiationStatus = "in_progress"
	NegotiationConflict   NegotiationStatus = "conflict"
	NegotiationCompleted  NegotiationStatus = "completed"
	NegotiationFailed     NegotiationStatus = "failed"
	NegotiationCancelled  NegotiationStatus = "cancelled"
)

// ModelMeta is implemented by generated per-model code. It supplies the
// constant model-type name used as the key into every map in this
// engine, replacing runtime reflection over Go type names.
type ModelMeta interface {
	// ModelType returns the process-wide constant name for this model,
	// e.g. "Project" or "Task". Must be stable across the process.
	ModelType() string
	// ServerGeneratedID reports whether the remote API assigns this
	// model's primary key (activating ID negotiation).
	ServerGeneratedID() bool
}

// Model is the contract a generated model type must satisfy to be
// usable by RepositoryBase. T is intentionally not constrained further:
// JSON bridging is the adapter's responsibility, not this package's.
type Model interface {
	ModelMeta
	GetID() string
	SetID(id string)
	GetCreatedAt() *time.Time
	SetCreatedAt(t *time.Time)
	GetUpdatedAt() *time.Time
	SetUpdatedAt(t *time.Time)
	GetLastSyncedAt() *time.Time
	SetLastSyncedAt(t *time.Time)
	GetSyncStatus() SyncStatus
	SetSyncStatus(s SyncStatus)
}

// SyncQueueItem is the durable record of a pending mutation.
type SyncQueueItem struct {
	ID                  int64
	ModelType           string
	ModelID             string
	Op                  Op
	Payload             string // JSON snapshot at enqueue time
	AttemptCount        int
	LastError           *string
	NextRetryAt         *time.Time
	IdempotencyKey      string
	Status              QueueStatus
	CreatedAt           time.Time
	Headers             string // JSON-encoded map[string]string, "" if absent
	Extra               string // JSON-encoded map[string]any, "" if absent
	TemporaryClientID   *string
	IDNegotiationStatus *NegotiationStatus
}

// NonDead reports whether this item still participates in the queue's
// merge rules (a dead item is inert history).
func (i *SyncQueueItem) NonDead() bool {
	return i.Status != QueueStatusDead
}

// ChangeKind labels an event on a repository's reactive changes stream.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeError     ChangeKind = "error"
	ChangeIDChanged ChangeKind = "idChanged"
)

// Change is a single event emitted on a repository's changes stream.
type Change struct {
	Kind    ChangeKind
	ID      string // model id (or "*" for truncateLocal, or the new id for idChanged)
	OldID   string // populated only for ChangeIDChanged
	Err     error  // populated only for ChangeError
}

// LoadPolicy controls local-vs-remote reads.
type LoadPolicy string

const (
	LoadLocalOnly     LoadPolicy = "localOnly"
	LoadRemoteFirst   LoadPolicy = "remoteFirst"
	LoadLocalThenRemote LoadPolicy = "localThenRemote"
)

// SavePolicy controls local-vs-remote writes.
type SavePolicy string

const (
	SaveLocalFirst  SavePolicy = "localFirst"
	SaveRemoteFirst SavePolicy = "remoteFirst"
)

// CascadeDeleteRelation describes a parent->child cascade-delete edge,
// resolved through the model-info registry rather than reflection.
type CascadeDeleteRelation struct {
	FieldName  string
	TargetType string
	MappedBy   string // the FK field on the child pointing back to the parent
}

// ForeignKeyRelation describes a column on another model type that
// references this model's id.
type ForeignKeyRelation struct {
	SourceTable string
	FKColumn    string
	SourceType  string
}
