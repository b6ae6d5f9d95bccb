package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thresholdsig/core/types"
	"thresholdsig/journal"
	"thresholdsig/ledger"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	stdout, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestConfigInitThenCheck(t *testing.T) {
	for _, name := range []string{"thresholdsig.yaml", "thresholdsig.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			stdout, err := executeCLI(t, "config", "init", "--out", path)
			require.NoError(t, err)
			assert.Contains(t, stdout, "wrote "+path)

			_, err = executeCLI(t, "config", "init", "--out", path)
			require.Error(t, err, "existing file must not be overwritten")

			stdout, err = executeCLI(t, "config", "check", path)
			require.NoError(t, err)
			assert.Contains(t, stdout, "listen :7090")
		})
	}
}

func TestConfigCheckRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":1\"\nwallet: {}\n"), 0o600))
	_, err := executeCLI(t, "config", "check", path)
	require.Error(t, err)
}

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path)
	require.NoError(t, err)
	contract := common.HexToAddress("0x00000000000000000000000000000000c0ffee00")
	for i, to := range []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	} {
		require.NoError(t, j.Record(context.Background(), ledger.Admission{
			SessionID: "s1",
			NetworkID: 5777,
			Contract:  contract,
			Tx: types.Transaction{
				TxIndex:  uint64(i + 1),
				To:       to,
				Value:    uint256.NewInt(uint64(100 * (i + 1))),
				Executed: true,
			},
		}))
	}
	require.NoError(t, j.Close())

	stdout, err := executeCLI(t, "history", "--journal", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "VALUE (WEI)")
	assert.Contains(t, strings.ToLower(stdout), "0x00000000000000000000000000000000000000aa")
	assert.Contains(t, stdout, "200")

	stdout, err = executeCLI(t, "history", "--journal", path, "--json", "--to", "0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	var rows []historyRow
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(2), rows[0].TxIndex)
	assert.Equal(t, "200", rows[0].Value)

	_, err = executeCLI(t, "history", "--journal", path, "--contract", "nope")
	require.Error(t, err)
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/session", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"phase":"live","sessionId":"abc","connected":true,"account":"0x01","networkId":5777,"contract":"0x02","subscriptionActive":true,"transactions":3,"balance":"900"}`))
	}))
	defer srv.Close()

	stdout, err := executeCLI(t, "status", "--addr", srv.URL)
	require.NoError(t, err)
	for _, want := range []string{"phase: live", "session: abc", "contract: 0x02 (network 5777)", "transactions: 3", "balance: 900 wei"} {
		assert.Contains(t, stdout, want)
	}
	assert.False(t, strings.Contains(stdout, "last failure"))
}

func TestStatusReportsDaemonErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := executeCLI(t, "status", "--addr", strings.TrimPrefix(srv.URL, "http://"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
