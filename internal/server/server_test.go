package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomupd/atomupd/internal/image"
	"github.com/atomupd/atomupd/internal/pool"
	"github.com/atomupd/atomupd/internal/testutil"
)

func newTestServer(t *testing.T, images ...image.Image) *Server {
	t.Helper()
	p, err := pool.New(testutil.Config(), testutil.Entries(images...), nil)
	require.NoError(t, err)
	return New(pool.NewHandle(p), nil, nil)
}

func get(t *testing.T, s *Server, query url.Values) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func deviceQuery(version, buildID string) url.Values {
	return url.Values{
		"product": {"steamos"},
		"release": {"holo"},
		"variant": {"steamdeck"},
		"branch":  {"stable"},
		"arch":    {"amd64"},
		"version": {version},
		"buildid": {buildID},
	}
}

func TestQueryReturnsUpdate(t *testing.T) {
	s := newTestServer(t,
		testutil.Img("3.5.0", "20230901"),
		testutil.Img("3.6.0", "20231101"),
	)

	code, body := get(t, s, deviceQuery("3.5.0", "20230901"))
	require.Equal(t, http.StatusOK, code)

	var reply struct {
		Minor struct {
			Release    string `json:"release"`
			Candidates []struct {
				Image      json.RawMessage `json:"image"`
				UpdatePath string          `json:"update_path"`
			} `json:"candidates"`
		} `json:"minor"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &reply))
	assert.Equal(t, "holo", reply.Minor.Release)
	require.Len(t, reply.Minor.Candidates, 1)
	assert.Equal(t, "steamdeck/20231101.0.raucb", reply.Minor.Candidates[0].UpdatePath)
}

func TestQueryUpToDateReturnsEmptyObject(t *testing.T) {
	s := newTestServer(t, testutil.Img("3.6.0", "20231101"))

	code, body := get(t, s, deviceQuery("3.6.0", "20231101"))
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "{}", body)
}

func TestQueryRequestedBranchOverride(t *testing.T) {
	s := newTestServer(t,
		testutil.Img("3.6.0", "20231101"),
		testutil.Img("3.7.0-rc1", "20231201", testutil.OnBranch("beta")),
	)

	// A stable device asks for the beta channel and gets its newer build.
	q := deviceQuery("3.6.0", "20231101")
	q.Set("requested_branch", "beta")
	code, body := get(t, s, q)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "3.7.0-rc1")
}

func TestQueryMalformedRequest(t *testing.T) {
	s := newTestServer(t, testutil.Img("3.6.0", "20231101"))

	q := deviceQuery("3.5.0", "20230901")
	q.Del("product")
	code, _ := get(t, s, q)
	assert.Equal(t, http.StatusBadRequest, code)

	q = deviceQuery("3.5.0", "not-a-buildid")
	code, _ = get(t, s, q)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQueryOnlyGetOnRoot(t *testing.T) {
	s := newTestServer(t, testutil.Img("3.6.0", "20231101"))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, testutil.Img("3.6.0", "20231101"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(t,
		testutil.Img("3.5.0", "20230901"),
		testutil.Img("3.6.0", "20231101"),
	)

	// Serve one query so the counter has something to show.
	get(t, s, deviceQuery("3.5.0", "20230901"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `atomupd_requests_total{outcome="update"} 1`)
	assert.Contains(t, rec.Body.String(), "atomupd_pool_images 2")
}

func TestSwapPoolVisibleToQueries(t *testing.T) {
	s := newTestServer(t, testutil.Img("3.5.0", "20230901"))

	_, body := get(t, s, deviceQuery("3.5.0", "20230901"))
	assert.JSONEq(t, "{}", body)

	bigger, err := pool.New(testutil.Config(), testutil.Entries(
		testutil.Img("3.5.0", "20230901"),
		testutil.Img("3.6.0", "20231101"),
	), nil)
	require.NoError(t, err)
	s.SwapPool(bigger)

	_, body = get(t, s, deviceQuery("3.5.0", "20230901"))
	assert.Contains(t, body, "3.6.0")
}
