package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/worldcoin/agentkit/types"
	"github.com/worldcoin/agentkit/x402"
)

// Verification reason codes. The wire format is "code: detail"; resource
// servers key on the code before the first colon.
const (
	ReasonUnsupportedScheme     = "unsupported_scheme"
	ReasonInvalidPayload        = "invalid_payload"
	ReasonInvalidSignature      = "invalid_signature"
	ReasonInsufficientFunds     = "insufficient_funds"
	ReasonInvalidAuthValue      = "invalid_exact_evm_payload_authorization_value"
	ReasonPermit2Insufficient   = "permit2_insufficient_amount"
	ReasonAuthorizationNotValid = "authorization_not_yet_valid"
	ReasonAuthorizationExpired  = "authorization_expired"
	ReasonInvalidReceiver       = "invalid_receiver"
	ReasonSimulationFailed      = "simulation_failed"
)

const erc20BalanceOfABI = `[{
	"constant": true,
	"inputs": [{"name": "account", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"type": "function"
}]`

const eip3009TransferWithAuthABI = `[{
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// Permit2Contract is the canonical Permit2 deployment, identical on every
// EVM chain.
const Permit2Contract = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

func reason(code, format string, args ...any) string {
	return code + ": " + fmt.Sprintf(format, args...)
}

func (f *Facilitator) verifyPayment(ctx context.Context, req *types.VerifyRequest) *types.VerifyResponse {
	payload := &req.PaymentPayload
	requirements := &req.PaymentRequirements

	switch payload.Accepted.Scheme {
	case "exact":
	default:
		return &types.VerifyResponse{
			IsValid:       false,
			InvalidReason: reason(ReasonUnsupportedScheme, "%s", payload.Accepted.Scheme),
		}
	}

	if _, ok := payload.Payload["permit2Authorization"]; ok {
		return f.verifyPermit2(ctx, payload, requirements)
	}
	return f.verifyExactEVM(ctx, payload, requirements)
}

func (f *Facilitator) verifyExactEVM(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.VerifyResponse {
	invalid := func(r string) *types.VerifyResponse {
		return &types.VerifyResponse{IsValid: false, InvalidReason: r}
	}

	signatureHex, ok := payload.Payload["signature"].(string)
	if !ok || signatureHex == "" {
		return invalid(reason(ReasonInvalidPayload, "missing signature"))
	}

	auth, err := x402.ExtractEVMAuthorization(payload)
	if err != nil {
		return invalid(reason(ReasonInvalidPayload, "invalid authorization: %v", err))
	}

	if valid, r := f.verifyAuthSignature(auth, signatureHex, requirements); !valid {
		return invalid(r)
	}
	if valid, r := verifyTimeWindow(auth); !valid {
		return invalid(r)
	}
	if valid, r := verifyReceiver(auth, requirements); !valid {
		return invalid(r)
	}
	if valid, r := verifyAmount(auth.Value, requirements, ReasonInvalidAuthValue); !valid {
		return invalid(r)
	}
	if valid, r := f.verifyBalance(ctx, auth.From, auth.Value, requirements); !valid {
		return invalid(r)
	}
	if valid, r := f.simulateTransfer(ctx, auth, requirements, signatureHex); !valid {
		return invalid(r)
	}

	return &types.VerifyResponse{IsValid: true, Payer: auth.From}
}

func (f *Facilitator) verifyPermit2(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.VerifyResponse {
	invalid := func(r string) *types.VerifyResponse {
		return &types.VerifyResponse{IsValid: false, InvalidReason: r}
	}

	signatureHex, ok := payload.Payload["signature"].(string)
	if !ok || signatureHex == "" {
		return invalid(reason(ReasonInvalidPayload, "missing signature"))
	}

	auth, err := x402.ExtractPermit2Authorization(payload)
	if err != nil {
		return invalid(reason(ReasonInvalidPayload, "invalid permit2Authorization: %v", err))
	}

	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return invalid(reason(ReasonInvalidPayload, "invalid deadline: %s", auth.Deadline))
	}
	if deadline.Cmp(big.NewInt(time.Now().Unix())) < 0 {
		return invalid(reason(ReasonAuthorizationExpired, "permit deadline %s passed", auth.Deadline))
	}

	if valid, r := f.verifyPermit2Signature(auth, signatureHex, requirements); !valid {
		return invalid(r)
	}
	if valid, r := verifyAmount(auth.Permitted.Amount, requirements, ReasonPermit2Insufficient); !valid {
		return invalid(r)
	}
	if valid, r := f.verifyBalance(ctx, auth.From, auth.Permitted.Amount, requirements); !valid {
		return invalid(r)
	}

	return &types.VerifyResponse{IsValid: true, Payer: auth.From}
}

// verifyAuthSignature recovers the EIP-712 signer of a transferWithAuthorization
// payload and compares it to the declared payer.
func (f *Facilitator) verifyAuthSignature(auth *types.ExactEVMAuthorization, signatureHex string, requirements *types.PaymentRequirements) (bool, string) {
	typedData, err := x402.BuildEIP712TypedData(auth, requirements)
	if err != nil {
		return false, reason(ReasonInvalidPayload, "%v", err)
	}
	return recoverAndCompare(typedData, signatureHex, auth.From)
}

func (f *Facilitator) verifyPermit2Signature(auth *types.Permit2Authorization, signatureHex string, requirements *types.PaymentRequirements) (bool, string) {
	chainID, err := x402.ChainID(requirements.Network)
	if err != nil {
		return false, reason(ReasonInvalidPayload, "%v", err)
	}

	typedData := &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PermitTransferFrom": []apitypes.Type{
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": []apitypes.Type{
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "PermitTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: Permit2Contract,
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]any{
				"token":  auth.Permitted.Token,
				"amount": auth.Permitted.Amount,
			},
			"spender":  f.config.Signer.Address.Hex(),
			"nonce":    auth.Nonce,
			"deadline": auth.Deadline,
		},
	}
	return recoverAndCompare(typedData, signatureHex, auth.From)
}

func recoverAndCompare(typedData *apitypes.TypedData, signatureHex, expected string) (bool, string) {
	v, r, s, err := x402.ExtractVRS(signatureHex)
	if err != nil {
		return false, reason(ReasonInvalidSignature, "%v", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return false, reason(ReasonInvalidSignature, "failed to hash domain: %v", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return false, reason(ReasonInvalidSignature, "failed to hash message: %v", err)
	}

	// keccak256("\x19\x01" ‖ domainSeparator ‖ messageHash)
	hash := crypto.Keccak256Hash([]byte("\x19\x01"), domainSeparator, messageHash)

	signature := make([]byte, 65)
	copy(signature[0:32], r[:])
	copy(signature[32:64], s[:])
	signature[64] = v
	if signature[64] == 27 || signature[64] == 28 {
		signature[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash.Bytes(), signature)
	if err != nil {
		return false, reason(ReasonInvalidSignature, "failed to recover public key: %v", err)
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	expectedAddr := common.HexToAddress(expected)
	if recovered != expectedAddr {
		return false, reason(ReasonInvalidSignature, "recovered %s, expected %s", recovered.Hex(), expectedAddr.Hex())
	}
	return true, ""
}

func verifyTimeWindow(auth *types.ExactEVMAuthorization) (bool, string) {
	now := time.Now().Unix()
	if now < auth.ValidAfter {
		return false, reason(ReasonAuthorizationNotValid, "valid after %d", auth.ValidAfter)
	}
	if now > auth.ValidBefore {
		return false, reason(ReasonAuthorizationExpired, "valid before %d", auth.ValidBefore)
	}
	return true, ""
}

func verifyReceiver(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) (bool, string) {
	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return false, reason(ReasonInvalidReceiver, "got %s, expected %s", auth.To, requirements.PayTo)
	}
	return true, ""
}

func verifyAmount(paid string, requirements *types.PaymentRequirements, code string) (bool, string) {
	paidAmount, ok := new(big.Int).SetString(paid, 10)
	if !ok {
		return false, reason(ReasonInvalidPayload, "invalid payment amount: %s", paid)
	}
	requiredAmount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return false, reason(ReasonInvalidPayload, "invalid required amount: %s", requirements.Amount)
	}
	if paidAmount.Cmp(requiredAmount) < 0 {
		return false, reason(code, "got %s, required %s", paid, requirements.Amount)
	}
	return true, ""
}

func (f *Facilitator) verifyBalance(ctx context.Context, from, amount string, requirements *types.PaymentRequirements) (bool, string) {
	paymentAmount, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return false, reason(ReasonInvalidPayload, "invalid payment amount: %s", amount)
	}

	client, err := f.getRPCClient(requirements.Network)
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to connect to network: %v", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20BalanceOfABI))
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to parse ABI: %v", err)
	}

	callData, err := parsedABI.Pack("balanceOf", common.HexToAddress(from))
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to encode balanceOf call: %v", err)
	}

	tokenAddress := common.HexToAddress(requirements.Asset)
	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddress, Data: callData}, nil)
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to call balanceOf: %v", err)
	}

	var balance *big.Int
	if err := parsedABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return false, reason(ReasonSimulationFailed, "failed to decode balance: %v", err)
	}

	if balance.Cmp(paymentAmount) < 0 {
		return false, reason(ReasonInsufficientFunds, "has %s, needs %s", balance.String(), paymentAmount.String())
	}
	return true, ""
}

func (f *Facilitator) simulateTransfer(ctx context.Context, auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements, signatureHex string) (bool, string) {
	client, err := f.getRPCClient(requirements.Network)
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to connect to network: %v", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(eip3009TransferWithAuthABI))
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to parse ABI: %v", err)
	}

	v, r, s, err := x402.ExtractVRS(signatureHex)
	if err != nil {
		return false, reason(ReasonInvalidSignature, "%v", err)
	}

	value := new(big.Int)
	value.SetString(auth.Value, 10)

	var nonce [32]byte
	nonceBytes := common.FromHex(auth.Nonce)
	if len(nonceBytes) != 32 {
		return false, reason(ReasonInvalidPayload, "invalid nonce length: expected 32 bytes, got %d", len(nonceBytes))
	}
	copy(nonce[:], nonceBytes)

	callData, err := parsedABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return false, reason(ReasonSimulationFailed, "failed to encode call: %v", err)
	}

	tokenAddress := common.HexToAddress(requirements.Asset)
	if _, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddress, Data: callData}, nil); err != nil {
		return false, reason(ReasonSimulationFailed, "transaction would fail: %v", err)
	}
	return true, ""
}
