package httpadapter_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/syncengine/internal/httpadapter"
	"github.com/localfirst/syncengine/internal/queryparams"
	"github.com/localfirst/syncengine/internal/testsupport"
	"github.com/localfirst/syncengine/internal/types"
)

func newClient(t *testing.T, handler http.HandlerFunc) *httpadapter.Client[*testsupport.Project] {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rc := resty.New().SetBaseURL(srv.URL)
	return httpadapter.New[*testsupport.Project](rc, "/projects", httpadapter.Codec[*testsupport.Project]{
		ToJSON:   testsupport.ProjectToJSON,
		FromJSON: testsupport.ProjectFromJSON,
	})
}

func TestCreateOnePostsAndDecodesResponse(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotBody, _ = decodeBody(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(gotBody)
	})

	created, err := client.CreateOne(context.Background(), &testsupport.Project{ID: "p1", Name: "alpha"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/projects", gotPath)
	require.Equal(t, "alpha", created.Name)
}

func TestCreateOneMergesExtraIntoBody(t *testing.T) {
	var decoded map[string]any
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := decodeBody(r)
		_ = json.Unmarshal(body, &decoded)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})

	_, err := client.CreateOne(context.Background(), &testsupport.Project{ID: "p1", Name: "alpha"}, nil, map[string]any{"trace_id": "abc"})
	require.NoError(t, err)
	require.Equal(t, "abc", decoded["trace_id"])
}

func TestUpdateOnePutsToResourcePath(t *testing.T) {
	var gotMethod, gotPath string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		body, _ := decodeBody(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})

	_, err := client.UpdateOne(context.Background(), &testsupport.Project{ID: "p1", Name: "beta"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/projects/p1", gotPath)
}

func TestDeleteOneNotFoundMapsToAPIErrorNotFound(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	})

	err := client.DeleteOne(context.Background(), "p1", nil, nil)
	require.True(t, types.IsNotFound(err))
}

func TestFetchOneGoneMapsToAPIErrorGone(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	_, err := client.FetchOne(context.Background(), "p1", nil, nil, nil)
	require.True(t, types.IsGone(err))
}

func TestFetchOneAppliesQueryParams(t *testing.T) {
	var query string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p1","name":"x"}`))
	})

	qp := queryparams.New().Where("name", queryparams.FilterEq, "x").Paginate(10, 5)
	_, err := client.FetchOne(context.Background(), "p1", qp, nil, nil)
	require.NoError(t, err)
	require.Contains(t, query, "limit=10")
	require.Contains(t, query, "offset=5")
}

func TestFetchAllDecodesEachElementThroughCodec(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"p1","name":"a"},{"id":"p2","name":"b"}]`))
	})

	items, err := client.FetchAll(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "p1", items[0].ID)
	require.Equal(t, "p2", items[1].ID)
}

func TestFetchAllServerErrorReturnsAPIErrorOther(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	_, err := client.FetchAll(context.Background(), nil, nil, nil)
	require.Error(t, err)
	require.False(t, types.IsNotFound(err))
	require.False(t, types.IsGone(err))
}

func decodeBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
