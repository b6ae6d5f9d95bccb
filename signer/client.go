// Package signer calls the external co-signing service that produces the
// threshold signature for a transfer message.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
)

const maxResponseBytes = 64 << 10

// Client requests signatures from the co-signing service.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New returns a client for the service at baseURL. A zero timeout means ten
// seconds.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("signer url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse signer url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("signer url must be http or https")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: parsed,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type signResponse struct {
	R string `json:"r"`
	S string `json:"s"`
	V string `json:"v"`
}

// Sign asks the service to sign message and decodes the {r, s, v} response.
// The signature is not verified locally; the contract does that.
func (c *Client) Sign(ctx context.Context, message string) (types.Signature, error) {
	endpoint := c.baseURL.JoinPath("sign")
	endpoint.RawQuery = url.Values{"message": []string{message}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return types.Signature{}, fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return types.Signature{}, fmt.Errorf("%w: signer: %w", walleterrors.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.Signature{}, fmt.Errorf("%w: signer: read response: %w", walleterrors.ErrRemoteUnavailable, err)
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return types.Signature{}, fmt.Errorf("%w: signer status %d: %s", walleterrors.ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return types.Signature{}, fmt.Errorf("%w: signer status %d: %s", walleterrors.ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded signResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return types.Signature{}, fmt.Errorf("decode signer response: %w", err)
	}
	return decodeSignature(decoded)
}

func decodeSignature(resp signResponse) (types.Signature, error) {
	var sig types.Signature
	r, err := word(resp.R)
	if err != nil {
		return sig, fmt.Errorf("signature r: %w", err)
	}
	s, err := word(resp.S)
	if err != nil {
		return sig, fmt.Errorf("signature s: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(resp.V), 10, 8)
	if err != nil {
		return sig, fmt.Errorf("signature v: %w", err)
	}
	sig.R = r
	sig.S = s
	sig.V = uint8(v)
	return sig, nil
}

// word decodes a 0x-prefixed big-endian integer of at most 32 bytes. The
// service strips leading zero bytes, so shorter values are left padded.
func word(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("missing")
	}
	if len(trimmed)%2 == 1 && strings.HasPrefix(trimmed, "0x") {
		trimmed = "0x0" + trimmed[2:]
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return out, err
	}
	if len(raw) > 32 {
		return out, fmt.Errorf("%d bytes exceeds 32", len(raw))
	}
	copy(out[:], common.LeftPadBytes(raw, 32))
	return out, nil
}
