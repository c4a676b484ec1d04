// Package extension builds the agentkit block a server embeds in its 402
// responses: the server-minted challenge info, the chains it accepts, a JSON
// schema of the expected payload and the configured access mode.
package extension

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/worldcoin/agentkit/types"
)

// Key is the extension identifier in PaymentRequired.extensions.
const Key = "agentkit"

// Config controls challenge declaration. Domain and URI default from the
// current request when empty.
type Config struct {
	Domain          string
	URI             string
	Statement       string
	ExpiresIn       time.Duration
	SupportedChains []types.SupportedChain
	Mode            *types.AccessMode

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Declare builds the extension block for one 402 response. Each call mints a
// fresh 16-byte nonce.
func Declare(r *http.Request, cfg Config) (*types.ChallengeExtension, error) {
	uri := cfg.URI
	if uri == "" {
		uri = RequestURL(r)
	}
	domain := cfg.Domain
	if domain == "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to derive domain from uri: %w", err)
		}
		domain = parsed.Hostname()
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	issuedAt := now().UTC()

	info := types.ChallengeInfo{
		Domain:    domain,
		URI:       uri,
		Version:   types.ChallengeVersion,
		Nonce:     nonce,
		IssuedAt:  issuedAt.Format(time.RFC3339),
		Statement: cfg.Statement,
		Resources: []string{uri},
	}
	if cfg.ExpiresIn > 0 {
		info.ExpirationTime = issuedAt.Add(cfg.ExpiresIn).Format(time.RFC3339)
	}

	return &types.ChallengeExtension{
		Info:            info,
		SupportedChains: cfg.SupportedChains,
		Schema:          PayloadSchema(),
		Mode:            cfg.Mode,
	}, nil
}

// RequestURL reconstructs the full URL of a request, honouring
// X-Forwarded-Proto behind a proxy.
func RequestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PayloadSchema describes the signed challenge the client must return in the
// agentkit header.
func PayloadSchema() map[string]any {
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"domain":  map[string]any{"type": "string"},
			"address": map[string]any{"type": "string"},
			"uri":     map[string]any{"type": "string"},
			"version": map[string]any{"type": "string", "const": types.ChallengeVersion},
			"chainId": map[string]any{"type": "string"},
			"type": map[string]any{
				"type": "string",
				"enum": []string{types.SignatureTypeEIP191, types.SignatureTypeEd25519},
			},
			"nonce":          map[string]any{"type": "string"},
			"issuedAt":       map[string]any{"type": "string", "format": "date-time"},
			"expirationTime": map[string]any{"type": "string", "format": "date-time"},
			"notBefore":      map[string]any{"type": "string", "format": "date-time"},
			"requestId":      map[string]any{"type": "string"},
			"resources":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"statement":      map[string]any{"type": "string"},
			"signatureScheme": map[string]any{
				"type": "string",
				"enum": []string{
					types.SignatureSchemeEIP191,
					types.SignatureSchemeEIP1271,
					types.SignatureSchemeEIP6492,
					types.SignatureSchemeSIWS,
				},
			},
			"signature": map[string]any{"type": "string"},
		},
		"required": []string{
			"domain", "address", "uri", "version", "chainId",
			"type", "nonce", "issuedAt", "signature",
		},
	}
}
