// Package testsupport provides a minimal fake model, the shape a
// per-model code generator would otherwise emit, shared by every
// package's tests that need a concrete types.Model instead of exercising
// an interface in the abstract. Project references its parent User
// through UserID, giving dependency ordering and cascade deletes
// something concrete to exercise.
package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localfirst/syncengine/internal/modeldao"
	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/types"
)

// Project is a client-generated-id model with a parent reference
// (UserID), used to exercise foreign-key/cascade-delete wiring.
type Project struct {
	ID            string
	Name          string
	UserID        string
	CreatedAt     *time.Time
	UpdatedAt     *time.Time
	LastSyncedAt  *time.Time
	SyncStatus    types.SyncStatus
}

func (p *Project) ModelType() string        { return "Project" }
func (p *Project) ServerGeneratedID() bool   { return false }
func (p *Project) GetID() string             { return p.ID }
func (p *Project) SetID(id string)           { p.ID = id }
func (p *Project) GetCreatedAt() *time.Time  { return p.CreatedAt }
func (p *Project) SetCreatedAt(t *time.Time) { p.CreatedAt = t }
func (p *Project) GetUpdatedAt() *time.Time  { return p.UpdatedAt }
func (p *Project) SetUpdatedAt(t *time.Time) { p.UpdatedAt = t }
func (p *Project) GetLastSyncedAt() *time.Time { return p.LastSyncedAt }
func (p *Project) SetLastSyncedAt(t *time.Time) { p.LastSyncedAt = t }
func (p *Project) GetSyncStatus() types.SyncStatus  { return p.SyncStatus }
func (p *Project) SetSyncStatus(s types.SyncStatus) { p.SyncStatus = s }

type projectWire struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	UserID       string           `json:"user_id"`
	CreatedAt    *time.Time       `json:"created_at,omitempty"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty"`
	SyncStatus   types.SyncStatus `json:"sync_status,omitempty"`
}

// ProjectToJSON/ProjectFromJSON are the hand-written stand-ins for a
// generated model's JSON codec.
func ProjectToJSON(p *Project) (string, error) {
	b, err := json.Marshal(projectWire{
		ID: p.ID, Name: p.Name, UserID: p.UserID,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt, LastSyncedAt: p.LastSyncedAt,
		SyncStatus: p.SyncStatus,
	})
	if err != nil {
		return "", fmt.Errorf("encode project: %w", err)
	}
	return string(b), nil
}

func ProjectFromJSON(data string) (*Project, error) {
	var w projectWire
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	return &Project{
		ID: w.ID, Name: w.Name, UserID: w.UserID,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt, LastSyncedAt: w.LastSyncedAt,
		SyncStatus: w.SyncStatus,
	}, nil
}

// ProjectCodec builds the modeldao.Codec for Project.
func ProjectCodec() modeldao.Codec[*Project] {
	return modeldao.Codec[*Project]{ToJSON: ProjectToJSON, FromJSON: ProjectFromJSON}
}

// User is a server-generated-id model (activates ID negotiation), used
// alongside Project to exercise dependency ordering and cascade delete
// (deleting a User cascades to its Projects).
type User struct {
	ID                string
	Name              string
	TemporaryClientID *string
	CreatedAt         *time.Time
	UpdatedAt         *time.Time
	LastSyncedAt      *time.Time
	SyncStatus        types.SyncStatus
}

func (u *User) ModelType() string        { return "User" }
func (u *User) ServerGeneratedID() bool  { return true }
func (u *User) GetID() string            { return u.ID }
func (u *User) SetID(id string)          { u.ID = id }
func (u *User) GetCreatedAt() *time.Time { return u.CreatedAt }
func (u *User) SetCreatedAt(t *time.Time) { u.CreatedAt = t }
func (u *User) GetUpdatedAt() *time.Time  { return u.UpdatedAt }
func (u *User) SetUpdatedAt(t *time.Time) { u.UpdatedAt = t }
func (u *User) GetLastSyncedAt() *time.Time  { return u.LastSyncedAt }
func (u *User) SetLastSyncedAt(t *time.Time) { u.LastSyncedAt = t }
func (u *User) GetSyncStatus() types.SyncStatus  { return u.SyncStatus }
func (u *User) SetSyncStatus(s types.SyncStatus) { u.SyncStatus = s }

type userWire struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	CreatedAt    *time.Time       `json:"created_at,omitempty"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty"`
	SyncStatus   types.SyncStatus `json:"sync_status,omitempty"`
}

func UserToJSON(u *User) (string, error) {
	b, err := json.Marshal(userWire{
		ID: u.ID, Name: u.Name,
		CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt, LastSyncedAt: u.LastSyncedAt,
		SyncStatus: u.SyncStatus,
	})
	if err != nil {
		return "", fmt.Errorf("encode user: %w", err)
	}
	return string(b), nil
}

func UserFromJSON(data string) (*User, error) {
	var w userWire
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &User{
		ID: w.ID, Name: w.Name,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt, LastSyncedAt: w.LastSyncedAt,
		SyncStatus: w.SyncStatus,
	}, nil
}

func UserCodec() modeldao.Codec[*User] {
	return modeldao.Codec[*User]{ToJSON: UserToJSON, FromJSON: UserFromJSON}
}

// FakeAdapter is a scriptable repository.RemoteAdapter[T] stand-in for
// tests that exercise save/load policies without a real HTTP transport.
// Create/Update/Delete/FetchAll default to a canned success when their
// *Fn field is nil, and FetchOne defaults to types.ErrNotFound, so a
// test only wires the handful of calls it cares about. ToJSONFn and
// FromJSONFn have no default and must be set.
type FakeAdapter[T types.Model] struct {
	ToJSONFn   func(item T) (string, error)
	FromJSONFn func(data string) (T, error)

	CreateFn   func(ctx context.Context, item T) (T, error)
	UpdateFn   func(ctx context.Context, item T) (T, error)
	DeleteFn   func(ctx context.Context, id string) error
	FetchOneFn func(ctx context.Context, id string) (T, error)
	FetchAllFn func(ctx context.Context) ([]T, error)
}

func (a *FakeAdapter[T]) ToJSON(item T) (string, error)   { return a.ToJSONFn(item) }
func (a *FakeAdapter[T]) FromJSON(data string) (T, error) { return a.FromJSONFn(data) }

func (a *FakeAdapter[T]) CreateOne(ctx context.Context, item T, _ map[string]string, _ map[string]any) (T, error) {
	if a.CreateFn != nil {
		return a.CreateFn(ctx, item)
	}
	return item, nil
}

func (a *FakeAdapter[T]) UpdateOne(ctx context.Context, item T, _ map[string]string, _ map[string]any) (T, error) {
	if a.UpdateFn != nil {
		return a.UpdateFn(ctx, item)
	}
	return item, nil
}

func (a *FakeAdapter[T]) DeleteOne(ctx context.Context, id string, _ map[string]string, _ map[string]any) error {
	if a.DeleteFn != nil {
		return a.DeleteFn(ctx, id)
	}
	return nil
}

func (a *FakeAdapter[T]) FetchOne(ctx context.Context, id string, _ *queryparams.QueryParams, _ map[string]string, _ map[string]any) (T, error) {
	if a.FetchOneFn != nil {
		return a.FetchOneFn(ctx, id)
	}
	var zero T
	return zero, types.ErrNotFound
}

func (a *FakeAdapter[T]) FetchAll(ctx context.Context, _ *queryparams.QueryParams, _ map[string]string, _ map[string]any) ([]T, error) {
	if a.FetchAllFn != nil {
		return a.FetchAllFn(ctx)
	}
	return nil, nil
}

// ProjectAdapter builds a FakeAdapter[*Project] with the JSON codec
// pre-wired, ready for a test to override Create/Update/Delete/Fetch*.
func ProjectAdapter() *FakeAdapter[*Project] {
	return &FakeAdapter[*Project]{ToJSONFn: ProjectToJSON, FromJSONFn: ProjectFromJSON}
}

// UserAdapter is ProjectAdapter's User counterpart.
func UserAdapter() *FakeAdapter[*User] {
	return &FakeAdapter[*User]{ToJSONFn: UserToJSON, FromJSONFn: UserFromJSON}
}
