// Package x402 holds helpers shared across the payment path: payment header
// decoding, payload extraction for the recognized authorization shapes, and
// the EIP-712 plumbing the facilitator signs and verifies with.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/worldcoin/agentkit/types"
)

// ChainID extracts the numeric chain id from a CAIP-2 eip155 network string.
func ChainID(network string) (*big.Int, error) {
	parts := strings.Split(network, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid CAIP-2 network string: %s", network)
	}
	chainID, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse CAIP-2 network string: %s", network)
	}
	return chainID, nil
}

// DecodePaymentHeader decodes a base64 payment header into a PaymentPayload.
func DecodePaymentHeader(header string) (*types.PaymentPayload, error) {
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	var payload types.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &payload, nil
}

// ExtractEVMAuthorization pulls the EIP-3009 authorization object out of a
// payment payload.
func ExtractEVMAuthorization(payload *types.PaymentPayload) (*types.ExactEVMAuthorization, error) {
	authData, ok := payload.Payload["authorization"]
	if !ok {
		return nil, fmt.Errorf("missing authorization")
	}

	authJSON, err := json.Marshal(authData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization: %w", err)
	}

	var auth types.ExactEVMAuthorization
	if err := json.Unmarshal(authJSON, &auth); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization: %w", err)
	}
	return &auth, nil
}

// ExtractPermit2Authorization pulls the Permit2 authorization object out of a
// payment payload.
func ExtractPermit2Authorization(payload *types.PaymentPayload) (*types.Permit2Authorization, error) {
	authData, ok := payload.Payload["permit2Authorization"]
	if !ok {
		return nil, fmt.Errorf("missing permit2Authorization")
	}

	authJSON, err := json.Marshal(authData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal permit2Authorization: %w", err)
	}

	var auth types.Permit2Authorization
	if err := json.Unmarshal(authJSON, &auth); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permit2Authorization: %w", err)
	}
	return &auth, nil
}

// Payer identifies the payer address and paid amount of a payment payload.
// Both recognized shapes are tried: EIP-3009 authorization first, then
// Permit2.
func Payer(payload *types.PaymentPayload) (address, amount string, err error) {
	if auth, err := ExtractEVMAuthorization(payload); err == nil {
		return auth.From, auth.Value, nil
	}
	if auth, err := ExtractPermit2Authorization(payload); err == nil {
		return auth.From, auth.Permitted.Amount, nil
	}
	return "", "", fmt.Errorf("payment payload has no recognized authorization")
}

// ExtractVRS splits a 65-byte hex signature into its components, normalizing
// v into the 27/28 range.
func ExtractVRS(signatureHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	if len(signatureHex) > 2 && signatureHex[:2] == "0x" {
		signatureHex = signatureHex[2:]
	}

	signature, err := hexutil.Decode("0x" + signatureHex)
	if err != nil {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(signature) != 65 {
		return 0, [32]byte{}, [32]byte{}, fmt.Errorf("invalid signature length: expected 65, got %d", len(signature))
	}

	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// BuildEIP712TypedData assembles the TransferWithAuthorization typed data
// for an EIP-3009 payment. The EIP-712 domain name and version come from the
// requirements' extra field.
func BuildEIP712TypedData(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) (*apitypes.TypedData, error) {
	value := new(big.Int)
	value.SetString(auth.Value, 10)

	chainID, err := ChainID(requirements.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chain id: %w", err)
	}

	name, ok := requirements.Extra["name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("missing EIP712 Domain name in extra field")
	}
	version, ok := requirements.Extra["version"].(string)
	if !ok || version == "" {
		return nil, fmt.Errorf("missing EIP712 Domain version in extra field")
	}

	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: requirements.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value.String(),
			"validAfter":  fmt.Sprintf("%d", auth.ValidAfter),
			"validBefore": fmt.Sprintf("%d", auth.ValidBefore),
			"nonce":       auth.Nonce,
		},
	}, nil
}
