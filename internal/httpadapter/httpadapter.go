// Package httpadapter is the reference implementation of the per-model
// HTTP adapter contract: a go-resty/resty/v2-backed
// RemoteAdapter[T] for repository.Repository, plus the query-params ->
// URL-query translation every model's adapter needs.
//
// Every call goes through client.R().SetContext/SetBody/SetResult, with
// mapHTTPError turning a non-2xx response into a typed error the
// repository and retry executor can branch on.
package httpadapter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/types"
)

// Codec bridges T to/from its JSON wire representation, supplied by
// generated model code.
type Codec[T types.Model] struct {
	ToJSON   func(item T) (string, error)
	FromJSON func(data string) (T, error)
}

// Client is a generic RemoteAdapter[T] over one REST resource, e.g.
// "/projects" for a Project model.
type Client[T types.Model] struct {
	http     *resty.Client
	resource string
	codec    Codec[T]
}

// New constructs a Client for modelType's resource path (e.g.
// "/projects") over an already-configured resty client; base URL,
// timeout, and auth headers are owned by the caller, which typically
// shares one *resty.Client per engine instance.
func New[T types.Model](httpClient *resty.Client, resource string, codec Codec[T]) *Client[T] {
	return &Client[T]{http: httpClient, resource: resource, codec: codec}
}

func (c *Client[T]) path(id string) string {
	return c.resource + "/" + id
}

func (c *Client[T]) request(ctx context.Context, headers map[string]string) *resty.Request {
	req := c.http.R().SetContext(ctx)
	for k, v := range headers {
		req.SetHeader(k, v)
	}
	return req
}

// CreateOne implements repository.RemoteAdapter.
func (c *Client[T]) CreateOne(ctx context.Context, item T, headers map[string]string, extra map[string]any) (T, error) {
	var zero T
	body, err := c.codec.ToJSON(item)
	if err != nil {
		return zero, fmt.Errorf("encode create payload: %w", err)
	}
	resp, err := c.request(ctx, headers).
		SetHeader("Content-Type", "application/json").
		SetBody(withExtra(body, extra)).
		Post(c.resource)
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return zero, err
	}
	return c.codec.FromJSON(string(resp.Body()))
}

// UpdateOne implements repository.RemoteAdapter.
func (c *Client[T]) UpdateOne(ctx context.Context, item T, headers map[string]string, extra map[string]any) (T, error) {
	var zero T
	body, err := c.codec.ToJSON(item)
	if err != nil {
		return zero, fmt.Errorf("encode update payload: %w", err)
	}
	resp, err := c.request(ctx, headers).
		SetHeader("Content-Type", "application/json").
		SetBody(withExtra(body, extra)).
		Put(c.path(item.GetID()))
	if err != nil {
		return zero, fmt.Errorf("update request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return zero, err
	}
	return c.codec.FromJSON(string(resp.Body()))
}

// DeleteOne implements repository.RemoteAdapter.
func (c *Client[T]) DeleteOne(ctx context.Context, id string, headers map[string]string, extra map[string]any) error {
	resp, err := c.request(ctx, headers).Delete(c.path(id))
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return mapHTTPError(resp)
}

// FetchOne implements repository.RemoteAdapter.
func (c *Client[T]) FetchOne(ctx context.Context, id string, qp *queryparams.QueryParams, headers map[string]string, extra map[string]any) (T, error) {
	var zero T
	req := c.request(ctx, headers)
	applyQueryParams(req, qp)
	resp, err := req.Get(c.path(id))
	if err != nil {
		return zero, fmt.Errorf("fetch one request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return zero, err
	}
	return c.codec.FromJSON(string(resp.Body()))
}

// FetchAll implements repository.RemoteAdapter. The server is expected
// to respond with a JSON array; each element is decoded through codec.
func (c *Client[T]) FetchAll(ctx context.Context, qp *queryparams.QueryParams, headers map[string]string, extra map[string]any) ([]T, error) {
	req := c.request(ctx, headers)
	applyQueryParams(req, qp)
	resp, err := req.Get(c.resource)
	if err != nil {
		return nil, fmt.Errorf("fetch all request: %w", err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return decodeArray(string(resp.Body()), c.codec.FromJSON)
}

// ToJSON implements repository.RemoteAdapter.
func (c *Client[T]) ToJSON(item T) (string, error) { return c.codec.ToJSON(item) }

// FromJSON implements repository.RemoteAdapter.
func (c *Client[T]) FromJSON(data string) (T, error) { return c.codec.FromJSON(data) }

func applyQueryParams(req *resty.Request, qp *queryparams.QueryParams) {
	if qp == nil {
		return
	}
	for _, f := range qp.Filters {
		req.SetQueryParam(string(f.Op)+"["+f.Field+"]", fmt.Sprintf("%v", f.Value))
	}
	for _, s := range qp.Sort {
		dir := "asc"
		if s.Direction == queryparams.SortDesc {
			dir = "desc"
		}
		req.SetQueryParam("sort["+s.Field+"]", dir)
	}
	if qp.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(qp.Limit))
	}
	if qp.Offset > 0 {
		req.SetQueryParam("offset", strconv.Itoa(qp.Offset))
	}
}

// mapHTTPError converts a resty response into a *types.APIError,
// classifying 404/410 for the repository and retry executor's special
// handling.
func mapHTTPError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	kind := types.APIErrorOther
	switch code {
	case http.StatusNotFound:
		kind = types.APIErrorNotFound
	case http.StatusGone:
		kind = types.APIErrorGone
	}
	msg := strings.TrimSpace(string(resp.Body()))
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &types.APIError{Kind: kind, StatusCode: code, Message: fmt.Sprintf("http %d: %s", code, msg)}
}
