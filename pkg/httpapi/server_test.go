package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taracol/internal/testnet"
	"taracol/pkg/coordinator"
	"taracol/pkg/identity"
	"taracol/pkg/types"
)

type fixture struct {
	node     *testnet.Node
	did      types.DID
	srv      *httptest.Server
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node := testnet.New(t, testnet.Options{})
	registry := prometheus.NewRegistry()
	pds := coordinator.NewPDS(node.Store, node.Firehose, coordinator.NewMetrics(registry), nil)

	api := NewServer(Options{
		NodeID:      "pds-1",
		Store:       node.Store,
		Resolver:    node.Resolver,
		Firehose:    node.Firehose,
		Coordinator: pds,
		Gatherer:    registry,
		DiskUsage:   func() int64 { return 4096 },
	}, nil)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &fixture{
		node:     node,
		did:      node.CreateAccount(t, "https://pds.example"),
		srv:      srv,
		registry: registry,
	}
}

func (f *fixture) get(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, contentTypeJSON, resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	promauto.With(f.registry).NewCounter(prometheus.CounterOpts{
		Name: "taracol_test_requests_total",
		Help: "Test counter",
	}).Add(2)
	var health map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taracol_test_requests_total 2")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.node.WriteN(t, f.did, 3)

	var st Status
	require.Equal(t, http.StatusOK, f.get(t, "/status", &st))
	assert.Equal(t, "pds-1", st.NodeID)
	assert.Equal(t, types.RolePDS, st.Role)
	assert.Equal(t, types.Cursor(3), st.Cursor)
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, map[types.DID]types.Revision{f.did: 3}, st.Accounts)
	assert.Equal(t, int64(4096), st.DiskUsage)
}

func TestIdentityLookup(t *testing.T) {
	f := newFixture(t)

	var res identity.Resolution
	require.Equal(t, http.StatusOK, f.get(t, "/identity/"+string(f.did), &res))
	assert.Equal(t, f.did, res.DID)
	assert.Equal(t, "https://pds.example", res.Endpoint)

	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/identity/not-a-did", &e))
	assert.NotEmpty(t, e.Error)
}

func TestRepoReads(t *testing.T) {
	f := newFixture(t)

	var e errorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, "/repo/"+string(f.did)+"/head", &e))

	first := f.node.Write(t, f.did, "a", "hello")
	f.node.Write(t, f.did, "b", "world")

	var head headResponse
	require.Equal(t, http.StatusOK, f.get(t, "/repo/"+string(f.did)+"/head", &head))
	assert.Equal(t, types.Revision(2), head.Commit.Revision)
	assert.True(t, head.CID.Equals(head.Commit.Hash()))

	var ids []cid.Cid
	require.Equal(t, http.StatusOK, f.get(t, "/repo/"+string(f.did)+"/records", &ids))
	assert.Len(t, ids, 2)

	var rec recordResponse
	path := "/repo/" + string(f.did) + "/records/" + first.Added[0].String()
	require.Equal(t, http.StatusOK, f.get(t, path, &rec))
	assert.Equal(t, "a", rec.Record.Key)
	assert.Equal(t, []byte("hello"), rec.Record.Payload)
	assert.True(t, rec.Proof.Member)
	assert.True(t, rec.Root.Equals(head.Commit.Root))

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/repo/"+string(f.did)+"/records/garbage", &e))

	other := f.node.CreateAccount(t, "https://pds.example")
	wrong := "/repo/" + string(other) + "/records/" + first.Added[0].String()
	assert.Equal(t, http.StatusNotFound, f.get(t, wrong, &e))
	assert.True(t, strings.Contains(e.Error, "another account"))
}

func TestRecordRemovedFromHead(t *testing.T) {
	f := newFixture(t)
	first := f.node.Write(t, f.did, "a", "hello")
	id := first.Added[0]
	f.node.Write(t, f.did, "b", "world")
	_, err := f.node.Store.Commit(context.Background(), f.did, nil, []cid.Cid{id})
	require.NoError(t, err)

	var e errorResponse
	path := "/repo/" + string(f.did) + "/records/" + id.String()
	assert.Equal(t, http.StatusNotFound, f.get(t, path, &e))
}
