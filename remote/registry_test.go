package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"thresholdsig/contracts"
	walleterrors "thresholdsig/core/errors"
)

func artifactJSON(t *testing.T, networks map[string]ArtifactNetwork) []byte {
	t.Helper()
	raw, err := json.Marshal(Artifact{
		ContractName: "ThresholdSig",
		ABI:          contracts.CanonicalABIJSON(),
		Networks:     networks,
	})
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	return raw
}

func TestRegistryLookup(t *testing.T) {
	registry, err := ParseArtifact(artifactJSON(t, map[string]ArtifactNetwork{
		"5777": {Address: testContract.Hex()},
		"3":    {Address: "0x00000000000000000000000000000000000000Aa"},
	}))
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	if registry.Name() != "ThresholdSig" {
		t.Fatalf("unexpected name %q", registry.Name())
	}
	if got := registry.Networks(); len(got) != 2 || got[0] != 3 || got[1] != 5777 {
		t.Fatalf("unexpected networks %v", got)
	}
	ref, err := registry.Lookup(5777)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ref.Address != testContract || ref.NetworkID != 5777 {
		t.Fatalf("unexpected reference %+v", ref)
	}
	if _, ok := ref.ABI.Events[contracts.TransferEvent]; !ok {
		t.Fatalf("reference abi missing Transfer")
	}
}

func TestRegistryLookupUnknownNetwork(t *testing.T) {
	registry, err := ParseArtifact(artifactJSON(t, map[string]ArtifactNetwork{"5777": {Address: testContract.Hex()}}))
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	_, err = registry.Lookup(1337)
	if !errors.Is(err, walleterrors.ErrNetworkMismatch) {
		t.Fatalf("expected network mismatch, got %v", err)
	}
}

func TestParseArtifactRejectsInvalid(t *testing.T) {
	cases := map[string][]byte{
		"not json":       []byte("{"),
		"missing abi":    []byte(`{"contractName":"ThresholdSig","networks":{}}`),
		"foreign abi":    []byte(`{"contractName":"Token","abi":[{"type":"function","name":"totalSupply","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}],"networks":{}}`),
		"bad network id": artifactJSON(t, map[string]ArtifactNetwork{"mainnet": {Address: testContract.Hex()}}),
		"bad address":    artifactJSON(t, map[string]ArtifactNetwork{"1": {Address: "0x1234"}}),
		"zero address":   artifactJSON(t, map[string]ArtifactNetwork{"1": {Address: "0x0000000000000000000000000000000000000000"}}),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseArtifact(raw); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ThresholdSig.json")
	if err := os.WriteFile(path, artifactJSON(t, map[string]ArtifactNetwork{"5777": {Address: testContract.Hex()}}), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	source := NewArtifactSource(path, nil)
	if _, ok := source.(FileSource); !ok {
		t.Fatalf("expected file source, got %T", source)
	}
	registry, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := registry.Lookup(5777); err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestHTTPSource(t *testing.T) {
	body := artifactJSON(t, map[string]ArtifactNetwork{"5777": {Address: testContract.Hex()}})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ThresholdSig.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		case "/down":
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	registry, err := NewArtifactSource(srv.URL+"/ThresholdSig.json", srv.Client()).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := registry.Lookup(5777); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	_, err = NewArtifactSource(srv.URL+"/down", srv.Client()).Load(context.Background())
	if !errors.Is(err, walleterrors.ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	_, err = NewArtifactSource(srv.URL+"/missing", srv.Client()).Load(context.Background())
	if err == nil || errors.Is(err, walleterrors.ErrRemoteUnavailable) {
		t.Fatalf("expected permanent error for 404, got %v", err)
	}
}
