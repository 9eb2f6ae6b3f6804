package retry

import (
	"context"
	"fmt"
)

// RawAdapter is the per-model slice of RemoteClient a single typed
// httpadapter.Client[T].Raw() wrapper implements. Dispatcher fans a
// single RemoteClient out across every modelType registered with it, the
// same type-erasure shape internal/repository.Registry uses for cascade
// delete and internal/modeldao.ModelStoreRouter uses for id negotiation.
type RawAdapter interface {
	CreateOne(ctx context.Context, payload, headers string) (serverID string, err error)
	UpdateOne(ctx context.Context, modelID, payload, headers string) error
	DeleteOne(ctx context.Context, modelID, headers string) error
}

// Dispatcher implements RemoteClient by routing each call to the adapter
// registered for item.ModelType.
type Dispatcher struct {
	adapters map[string]RawAdapter
}

// NewDispatcher constructs an empty dispatcher; call Register for every
// model type the engine serves before handing it to retry.New.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{adapters: make(map[string]RawAdapter)}
}

// Register associates modelType with the adapter that serves it.
func (d *Dispatcher) Register(modelType string, adapter RawAdapter) {
	d.adapters[modelType] = adapter
}

func (d *Dispatcher) lookup(modelType string) (RawAdapter, error) {
	a, ok := d.adapters[modelType]
	if !ok {
		return nil, fmt.Errorf("retry: no adapter registered for model type %q", modelType)
	}
	return a, nil
}

// CreateOne implements RemoteClient.
func (d *Dispatcher) CreateOne(ctx context.Context, modelType, payload, headers string) (string, error) {
	a, err := d.lookup(modelType)
	if err != nil {
		return "", err
	}
	return a.CreateOne(ctx, payload, headers)
}

// UpdateOne implements RemoteClient.
func (d *Dispatcher) UpdateOne(ctx context.Context, modelType, modelID, payload, headers string) error {
	a, err := d.lookup(modelType)
	if err != nil {
		return err
	}
	return a.UpdateOne(ctx, modelID, payload, headers)
}

// DeleteOne implements RemoteClient.
func (d *Dispatcher) DeleteOne(ctx context.Context, modelType, modelID, headers string) error {
	a, err := d.lookup(modelType)
	if err != nil {
		return err
	}
	return a.DeleteOne(ctx, modelID, headers)
}
