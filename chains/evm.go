package chains

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EVMVerifierFunc verifies an EVM signature over the canonical message text.
// The default implementation does offline EIP-191 recovery; callers that need
// EIP-1271 (contract wallets) or EIP-6492 (counterfactual wallets) supply a
// verifier backed by an RPC node.
type EVMVerifierFunc func(ctx context.Context, message, address, signature string) (bool, error)

// EVMCodec formats EIP-4361 (Sign-In With Ethereum) messages and verifies
// EIP-191 personal-sign signatures over them.
type EVMCodec struct {
	// Verifier replaces the default EIP-191 recovery when non-nil.
	Verifier EVMVerifierFunc
}

func (c *EVMCodec) Format(msg Message) (string, error) {
	ref, ok := strings.CutPrefix(msg.ChainID, NamespacePrefixEIP155)
	if !ok {
		return "", fmt.Errorf("Unsupported chain namespace: %s", msg.ChainID)
	}
	chainID, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid eip155 chain id: %s", msg.ChainID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", msg.Domain)
	b.WriteString(msg.Address)
	b.WriteString("\n\n")
	if msg.Statement != "" {
		b.WriteString(msg.Statement)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "URI: %s\n", msg.URI)
	fmt.Fprintf(&b, "Version: %s\n", msg.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", chainID)
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

func (c *EVMCodec) Verify(ctx context.Context, message, address, signature string) (bool, error) {
	if c.Verifier != nil {
		return c.Verifier(ctx, message, address, signature)
	}
	return VerifyEIP191(message, address, signature)
}

// VerifyEIP191 recovers the signer of an EIP-191 personal-sign signature and
// compares it to the asserted address.
func VerifyEIP191(message, address, signature string) (bool, error) {
	if !strings.HasPrefix(signature, "0x") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return false, fmt.Errorf("Invalid signature length: expected 65, got %d", len(sig))
	}

	// Ethereum tooling emits v as 27/28; ecrecover expects 0/1.
	recoverSig := make([]byte, 65)
	copy(recoverSig, sig)
	if recoverSig[64] == 27 || recoverSig[64] == 28 {
		recoverSig[64] -= 27
	}

	hash := accounts.TextHash([]byte(message))
	pubKey, err := crypto.SigToPub(hash, recoverSig)
	if err != nil {
		return false, fmt.Errorf("failed to recover public key: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	return recovered == common.HexToAddress(address), nil
}
