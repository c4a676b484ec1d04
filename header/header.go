// Package header encodes and decodes the agentkit HTTP request header: a
// base64-wrapped UTF-8 JSON object matching the signed-challenge schema.
package header

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/worldcoin/agentkit/types"
)

// Name is the request header carrying the signed challenge. Header lookup is
// case-insensitive, so "Agentkit" is accepted as well.
const Name = "agentkit"

var (
	ErrNotBase64   = errors.New("header is not valid base64")
	ErrNotJSON     = errors.New("header does not contain valid JSON")
	ErrBadSchema   = errors.New("header payload does not match the challenge schema")
	base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)
)

// Parse decodes and schema-validates a raw header value.
func Parse(value string) (*types.SignedChallenge, error) {
	if !base64Alphabet.MatchString(value) {
		return nil, ErrNotBase64
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBase64, err)
	}

	var msg types.SignedChallenge
	if err := json.Unmarshal(decoded, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	if err := validateSchema(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode renders a signed challenge into header form.
func Encode(msg *types.SignedChallenge) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func validateSchema(msg *types.SignedChallenge) error {
	required := []struct {
		name  string
		value string
	}{
		{"domain", msg.Domain},
		{"address", msg.Address},
		{"uri", msg.URI},
		{"version", msg.Version},
		{"chainId", msg.ChainID},
		{"type", msg.Type},
		{"nonce", msg.Nonce},
		{"issuedAt", msg.IssuedAt},
		{"signature", msg.Signature},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: missing required field %q", ErrBadSchema, f.name)
		}
	}

	switch msg.Type {
	case types.SignatureTypeEIP191, types.SignatureTypeEd25519:
	default:
		return fmt.Errorf("%w: invalid type %q", ErrBadSchema, msg.Type)
	}

	switch msg.SignatureScheme {
	case "", types.SignatureSchemeEIP191, types.SignatureSchemeEIP1271,
		types.SignatureSchemeEIP6492, types.SignatureSchemeSIWS:
	default:
		return fmt.Errorf("%w: invalid signatureScheme %q", ErrBadSchema, msg.SignatureScheme)
	}

	return nil
}
