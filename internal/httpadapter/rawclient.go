package httpadapter

import (
	"context"
	"encoding/json"

	"github.com/localfirst/syncengine/internal/types"
)

// RawClient adapts a typed Client[T] to the retry executor's
// modelType/payload/headers-as-plain-strings contract
// (internal/retry.RemoteClient). Go interfaces are structural, so this
// type satisfies retry.RemoteClient's per-model RawAdapter slot without
// httpadapter importing internal/retry at all.
type RawClient[T types.Model] struct {
	client *Client[T]
}

// Raw wraps c for registration with internal/retry.Dispatcher.
func (c *Client[T]) Raw() *RawClient[T] { return &RawClient[T]{client: c} }

// CreateOne decodes payload through the model codec, posts it, and
// returns the server-assigned id (possibly unchanged, for a
// client-generated-id model).
func (r *RawClient[T]) CreateOne(ctx context.Context, payload, headers string) (string, error) {
	item, err := r.client.codec.FromJSON(payload)
	if err != nil {
		return "", err
	}
	created, err := r.client.CreateOne(ctx, item, decodeHeaders(headers), nil)
	if err != nil {
		return "", err
	}
	return created.GetID(), nil
}

// UpdateOne decodes payload, pins it to modelID (the queue row's
// authoritative id, which may differ from whatever the stale payload
// snapshot carried), and PUTs it.
func (r *RawClient[T]) UpdateOne(ctx context.Context, modelID, payload, headers string) error {
	item, err := r.client.codec.FromJSON(payload)
	if err != nil {
		return err
	}
	item.SetID(modelID)
	_, err = r.client.UpdateOne(ctx, item, decodeHeaders(headers), nil)
	return err
}

// DeleteOne issues the DELETE for modelID.
func (r *RawClient[T]) DeleteOne(ctx context.Context, modelID, headers string) error {
	return r.client.DeleteOne(ctx, modelID, decodeHeaders(headers), nil)
}

func decodeHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
