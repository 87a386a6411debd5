package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taracol/pkg/config"
	"taracol/pkg/coordinator"
	"taracol/pkg/httpapi"
	"taracol/pkg/types"
)

func flagCommand(t *testing.T, mode config.Mode, args ...string) (*cobra.Command, *nodeFlags) {
	t.Helper()
	var f nodeFlags
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd, mode)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, &f
}

func TestLoadConfigFlagsOverrideDefaults(t *testing.T) {
	configFile = ""
	t.Setenv("TARACOL_NODE_ID", "from-env")
	t.Setenv("TARACOL_DATA_DIR", "/env/data")

	cmd, f := flagCommand(t, config.ModeRelay,
		"--data-dir", "/flag/data",
		"--peer", "pds-1=127.0.0.1:7400",
		"--peer", "127.0.0.1:7401")
	cfg, err := loadConfig(cmd, config.ModeRelay, f)
	require.NoError(t, err)

	assert.Equal(t, config.ModeRelay, cfg.Mode)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, "/flag/data", cfg.DataDir, "flags win over the environment")
	require.Len(t, cfg.Relay.Peers, 2)
	assert.Equal(t, "pds-1", cfg.Relay.Peers[0].ID)
	assert.Equal(t, "127.0.0.1:7401", cfg.Relay.Peers[1].ID)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigRejectsModeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: relay\nnode_id: r1\n"), 0o644))
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cmd, f := flagCommand(t, config.ModePDS)
	_, err := loadConfig(cmd, config.ModePDS, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a pds")

	cmd, f = flagCommand(t, config.ModeRelay)
	cfg, err := loadConfig(cmd, config.ModeRelay, f)
	require.NoError(t, err)
	assert.Equal(t, "r1", cfg.NodeID)
}

func TestFetchStatus(t *testing.T) {
	want := httpapi.Status{
		NodeID:   "relay-1",
		Role:     types.RoleRelay,
		Cursor:   42,
		Accounts: map[types.DID]types.Revision{"did:tara:abc": 3},
		Peers: []coordinator.PeerStatus{
			{Peer: "pds-1", Addr: "127.0.0.1:7400", State: types.PeerStreaming, Cursor: 41},
		},
		DiskUsage: 4096,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := fetchStatus(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, want.NodeID, got.NodeID)
	assert.Equal(t, want.Cursor, got.Cursor)
	assert.Equal(t, types.Revision(3), got.Accounts["did:tara:abc"])
	require.Len(t, got.Peers, 1)
	assert.Equal(t, types.PeerStreaming, got.Peers[0].State)

	_, err = fetchStatus(srv.URL + "/missing")
	assert.Error(t, err)
}
