// Package modelinfo is the engine's model registry: explicit,
// plain-map-backed declarations of cascade-delete relations and foreign
// key relations per model type. Relations are declared once at model
// registration and walked plainly; nothing in the engine inspects Go
// types reflectively.
package modelinfo

import "github.com/localfirst/syncengine/internal/types"

// Registry holds cascade-delete and foreign-key relation declarations
// for every model type known to the engine.
type Registry struct {
	cascades map[string][]types.CascadeDeleteRelation
	fks      map[string][]types.ForeignKeyRelation
	tables   map[string]string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		cascades: make(map[string][]types.CascadeDeleteRelation),
		fks:      make(map[string][]types.ForeignKeyRelation),
		tables:   make(map[string]string),
	}
}

// RegisterTable records the local table name backing modelType, for
// lookup through TableFor.
func (r *Registry) RegisterTable(modelType, tableName string) {
	r.tables[modelType] = tableName
}

// TableFor returns the table name registered for modelType.
func (r *Registry) TableFor(modelType string) (string, bool) {
	t, ok := r.tables[modelType]
	return t, ok
}

// RegisterCascadeDelete declares that deleting a parentType instance
// must also delete its related child instances described by rel.
func (r *Registry) RegisterCascadeDelete(parentType string, rel types.CascadeDeleteRelation) {
	r.cascades[parentType] = append(r.cascades[parentType], rel)
}

// CascadesFor returns the cascade-delete relations declared for parentType.
func (r *Registry) CascadesFor(parentType string) []types.CascadeDeleteRelation {
	return append([]types.CascadeDeleteRelation(nil), r.cascades[parentType]...)
}

// RegisterForeignKey declares that sourceTable.fkColumn references
// parentType's id.
func (r *Registry) RegisterForeignKey(parentType string, rel types.ForeignKeyRelation) {
	r.fks[parentType] = append(r.fks[parentType], rel)
}

// ForeignKeysFor returns the foreign key relations declared against parentType.
func (r *Registry) ForeignKeysFor(parentType string) []types.ForeignKeyRelation {
	return append([]types.ForeignKeyRelation(nil), r.fks[parentType]...)
}

// AllForeignKeys returns the full fk relation map, in the shape
// idnegotiation.NewForeignKeyUpdateService expects.
func (r *Registry) AllForeignKeys() map[string][]types.ForeignKeyRelation {
	out := make(map[string][]types.ForeignKeyRelation, len(r.fks))
	for k, v := range r.fks {
		out[k] = append([]types.ForeignKeyRelation(nil), v...)
	}
	return out
}
