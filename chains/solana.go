package chains

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// SolanaCodec formats Sign-In-With-Solana messages and verifies detached
// Ed25519 signatures over their UTF-8 bytes.
type SolanaCodec struct{}

func (c *SolanaCodec) Format(msg Message) (string, error) {
	ref, ok := strings.CutPrefix(msg.ChainID, NamespacePrefixSolana)
	if !ok {
		return "", fmt.Errorf("Unsupported chain namespace: %s", msg.ChainID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Solana account:\n", msg.Domain)
	b.WriteString(msg.Address)
	b.WriteString("\n\n")
	if msg.Statement != "" {
		b.WriteString(msg.Statement)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "URI: %s\n", msg.URI)
	fmt.Fprintf(&b, "Version: %s\n", msg.Version)
	fmt.Fprintf(&b, "Chain ID: %s\n", ref)
	fmt.Fprintf(&b, "Nonce: %s\n", msg.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", msg.IssuedAt)
	if msg.ExpirationTime != "" {
		fmt.Fprintf(&b, "\nExpiration Time: %s", msg.ExpirationTime)
	}
	if msg.NotBefore != "" {
		fmt.Fprintf(&b, "\nNot Before: %s", msg.NotBefore)
	}
	if msg.RequestID != "" {
		fmt.Fprintf(&b, "\nRequest ID: %s", msg.RequestID)
	}
	if len(msg.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range msg.Resources {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}
	return b.String(), nil
}

func (c *SolanaCodec) Verify(ctx context.Context, message, address, signature string) (bool, error) {
	sig, err := base58.Decode(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("Invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}

	pubKey, err := base58.Decode(address)
	if err != nil {
		return false, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("Invalid public key length: expected %d, got %d", ed25519.PublicKeySize, len(pubKey))
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), []byte(message), sig), nil
}
