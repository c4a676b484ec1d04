// Package chains implements the per-chain-family CAIP-122 message codecs:
// formatting the canonical signed message and verifying a signature for one
// family. Families are selected by the CAIP-2 namespace of the chain id.
package chains

import (
	"context"
	"fmt"
	"strings"
)

// Codec formats and verifies sign-in messages for one chain family.
type Codec interface {
	// Format renders the canonical message text the wallet signed.
	Format(msg Message) (string, error)

	// Verify checks signature over the canonical message text against the
	// asserted address. A false return with nil error means the signature
	// is well-formed but does not match.
	Verify(ctx context.Context, message, address, signature string) (bool, error)
}

// Message carries the fields that appear in the canonical message text.
type Message struct {
	Domain         string
	Address        string
	URI            string
	Version        string
	ChainID        string // CAIP-2
	Nonce          string
	IssuedAt       string
	ExpirationTime string
	NotBefore      string
	RequestID      string
	Resources      []string
	Statement      string
}

// ForChainID selects the codec for a CAIP-2 chain id by namespace.
// evmVerifier, when non-nil, replaces the default EIP-191 verifier so
// callers can plug in EIP-1271 / EIP-6492 aware clients.
func ForChainID(chainID string, evmVerifier EVMVerifierFunc) (Codec, error) {
	switch {
	case strings.HasPrefix(chainID, NamespacePrefixEIP155):
		return &EVMCodec{Verifier: evmVerifier}, nil
	case strings.HasPrefix(chainID, NamespacePrefixSolana):
		return &SolanaCodec{}, nil
	default:
		return nil, fmt.Errorf("Unsupported chain namespace: %s", chainID)
	}
}

const (
	NamespacePrefixEIP155 = "eip155:"
	NamespacePrefixSolana = "solana:"
)
