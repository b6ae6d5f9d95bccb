package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"thresholdsig/contracts"
	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
)

const maxArtifactBytes = 8 << 20

// Artifact is the build artifact a deployment tool writes for the wallet
// contract: its ABI plus one address per network it was deployed to.
type Artifact struct {
	ContractName string                     `json:"contractName"`
	ABI          json.RawMessage            `json:"abi"`
	Networks     map[string]ArtifactNetwork `json:"networks"`
}

// ArtifactNetwork is a single deployment entry.
type ArtifactNetwork struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Registry maps network identifiers to deployed contract addresses.
type Registry struct {
	name        string
	abi         abi.ABI
	deployments map[uint64]common.Address
}

// ParseArtifact decodes and validates an artifact. The ABI must expose the
// wallet interface; every network key must be numeric and every address valid.
func ParseArtifact(raw []byte) (*Registry, error) {
	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(artifact.ABI) == 0 {
		return nil, fmt.Errorf("artifact %q has no abi", artifact.ContractName)
	}
	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse artifact abi: %w", err)
	}
	if err := contracts.ValidateABI(parsed); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", artifact.ContractName, err)
	}
	deployments := make(map[uint64]common.Address, len(artifact.Networks))
	for key, network := range artifact.Networks {
		id, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("artifact network %q: invalid id", key)
		}
		if !common.IsHexAddress(network.Address) {
			return nil, fmt.Errorf("artifact network %d: invalid address %q", id, network.Address)
		}
		address := common.HexToAddress(network.Address)
		if (address == common.Address{}) {
			return nil, fmt.Errorf("artifact network %d: zero address", id)
		}
		deployments[id] = address
	}
	return &Registry{name: artifact.ContractName, abi: parsed, deployments: deployments}, nil
}

// Name returns the contract name recorded in the artifact.
func (r *Registry) Name() string { return r.name }

// Networks lists the network identifiers with a deployment, ascending.
func (r *Registry) Networks() []uint64 {
	ids := make([]uint64, 0, len(r.deployments))
	for id := range r.deployments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Lookup resolves the contract deployed on networkID, or ErrNetworkMismatch.
func (r *Registry) Lookup(networkID uint64) (types.ContractReference, error) {
	address, ok := r.deployments[networkID]
	if !ok {
		return types.ContractReference{}, fmt.Errorf("%w: network %d", walleterrors.ErrNetworkMismatch, networkID)
	}
	return types.ContractReference{NetworkID: networkID, Address: address, ABI: r.abi}, nil
}

// ArtifactSource loads the deployment registry.
type ArtifactSource interface {
	Load(ctx context.Context) (*Registry, error)
}

// NewArtifactSource picks an HTTP source for http(s) locations and a file
// source otherwise.
func NewArtifactSource(location string, client *http.Client) ArtifactSource {
	trimmed := strings.TrimSpace(location)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return &HTTPSource{URL: trimmed, Client: client}
	}
	return FileSource{Path: trimmed}
}

// FileSource reads the artifact from disk on every Load.
type FileSource struct {
	Path string
}

func (s FileSource) Load(context.Context) (*Registry, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseArtifact(raw)
}

// HTTPSource fetches the artifact over HTTP on every Load. Transport failures
// and 5xx responses are reported as ErrRemoteUnavailable.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Load(ctx context.Context) (*Registry, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch artifact: %w", walleterrors.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: fetch artifact: status %d", walleterrors.ErrRemoteUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %w", walleterrors.ErrRemoteUnavailable, err)
	}
	return ParseArtifact(raw)
}
