// Package verifier routes a signed challenge to the codec for its chain
// family, assembles the canonical message and confirms the signature against
// the asserted address.
package verifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/worldcoin/agentkit/chains"
	"github.com/worldcoin/agentkit/types"
)

// Result is the outcome of signature verification. Address echoes the
// payload's asserted address on success; both chain families verify an
// asserted address rather than recovering an unknown one.
type Result struct {
	Valid   bool   `json:"valid"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Verifier dispatches on the CAIP-2 namespace of a challenge's chain id.
type Verifier struct {
	// EVMVerifier, when set, replaces the default EIP-191 verifier for
	// eip155 chains (e.g. with an EIP-1271 / EIP-6492 aware client).
	EVMVerifier chains.EVMVerifierFunc
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Error: fmt.Sprintf(format, args...)}
}

// VerifySignature checks the challenge signature. The challenge type must
// match the chain namespace (eip191 for eip155, ed25519 for solana).
func (v *Verifier) VerifySignature(ctx context.Context, msg *types.SignedChallenge) Result {
	if err := checkTypeNamespace(msg); err != nil {
		return invalid("%v", err)
	}

	codec, err := chains.ForChainID(msg.ChainID, v.EVMVerifier)
	if err != nil {
		return invalid("%v", err)
	}

	message, err := codec.Format(chains.Message{
		Domain:         msg.Domain,
		Address:        msg.Address,
		URI:            msg.URI,
		Version:        msg.Version,
		ChainID:        msg.ChainID,
		Nonce:          msg.Nonce,
		IssuedAt:       msg.IssuedAt,
		ExpirationTime: msg.ExpirationTime,
		NotBefore:      msg.NotBefore,
		RequestID:      msg.RequestID,
		Resources:      msg.Resources,
		Statement:      msg.Statement,
	})
	if err != nil {
		return invalid("%v", err)
	}

	ok, err := codec.Verify(ctx, message, msg.Address, msg.Signature)
	if err != nil {
		return invalid("%v", err)
	}
	if !ok {
		return invalid("signature does not match address %s", msg.Address)
	}

	return Result{Valid: true, Address: msg.Address}
}

func checkTypeNamespace(msg *types.SignedChallenge) error {
	switch {
	case strings.HasPrefix(msg.ChainID, chains.NamespacePrefixEIP155):
		if msg.Type != types.SignatureTypeEIP191 {
			return fmt.Errorf("signature type %q does not match chain %s", msg.Type, msg.ChainID)
		}
	case strings.HasPrefix(msg.ChainID, chains.NamespacePrefixSolana):
		if msg.Type != types.SignatureTypeEd25519 {
			return fmt.Errorf("signature type %q does not match chain %s", msg.Type, msg.ChainID)
		}
	}
	return nil
}
