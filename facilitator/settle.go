package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/worldcoin/agentkit/types"
	"github.com/worldcoin/agentkit/x402"
)

const permit2TransferABI = `[{
	"inputs": [
		{"name": "permit", "type": "tuple", "components": [
			{"name": "permitted", "type": "tuple", "components": [
				{"name": "token", "type": "address"},
				{"name": "amount", "type": "uint256"}
			]},
			{"name": "nonce", "type": "uint256"},
			{"name": "deadline", "type": "uint256"}
		]},
		{"name": "transferDetails", "type": "tuple", "components": [
			{"name": "to", "type": "address"},
			{"name": "requestedAmount", "type": "uint256"}
		]},
		{"name": "owner", "type": "address"},
		{"name": "signature", "type": "bytes"}
	],
	"name": "permitTransferFrom",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

func (f *Facilitator) settlePayment(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.SettleResponse {
	switch payload.Accepted.Scheme {
	case "exact":
	default:
		return &types.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("unsupported scheme: %s", payload.Accepted.Scheme),
		}
	}

	// Same shape dispatch as verification: Permit2 payloads settle through
	// the canonical Permit2 contract, EIP-3009 payloads through the token.
	if _, ok := payload.Payload["permit2Authorization"]; ok {
		return f.settlePermit2(ctx, payload, requirements)
	}
	return f.settleExactEVM(ctx, payload, requirements)
}

func (f *Facilitator) settleExactEVM(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.SettleResponse {
	signatureHex, ok := payload.Payload["signature"].(string)
	if !ok || signatureHex == "" {
		return &types.SettleResponse{Success: false, ErrorReason: "missing signature"}
	}

	auth, err := x402.ExtractEVMAuthorization(payload)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("invalid authorization: %v", err)}
	}

	client, err := f.getRPCClient(requirements.Network)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to connect to network: %v", err)}
	}

	callData, err := packTransferWithAuthorization(auth, signatureHex)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to settle payment: %v", err)}
	}

	txHash, err := f.submitCall(ctx, client, common.HexToAddress(requirements.Asset), callData, requirements.Network)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to settle payment: %v", err)}
	}

	return &types.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
		Payer:       auth.From,
	}
}

func (f *Facilitator) settlePermit2(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) *types.SettleResponse {
	signatureHex, ok := payload.Payload["signature"].(string)
	if !ok || signatureHex == "" {
		return &types.SettleResponse{Success: false, ErrorReason: "missing signature"}
	}

	auth, err := x402.ExtractPermit2Authorization(payload)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("invalid permit2Authorization: %v", err)}
	}

	client, err := f.getRPCClient(requirements.Network)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to connect to network: %v", err)}
	}

	callData, err := packPermitTransferFrom(auth, requirements, signatureHex)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to settle payment: %v", err)}
	}

	txHash, err := f.submitCall(ctx, client, common.HexToAddress(Permit2Contract), callData, requirements.Network)
	if err != nil {
		return &types.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to settle payment: %v", err)}
	}

	return &types.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
		Payer:       auth.From,
	}
}

func packTransferWithAuthorization(auth *types.ExactEVMAuthorization, signatureHex string) ([]byte, error) {
	parsedABI, err := abi.JSON(strings.NewReader(eip3009TransferWithAuthABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	v, r, s, err := x402.ExtractVRS(signatureHex)
	if err != nil {
		return nil, fmt.Errorf("failed to extract signature: %w", err)
	}

	value := new(big.Int)
	value.SetString(auth.Value, 10)

	var authNonce [32]byte
	nonceBytes := common.FromHex(auth.Nonce)
	if len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid nonce length: expected 32 bytes, got %d", len(nonceBytes))
	}
	copy(authNonce[:], nonceBytes)

	return parsedABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(auth.ValidAfter),
		big.NewInt(auth.ValidBefore),
		authNonce,
		v,
		r,
		s,
	)
}

func packPermitTransferFrom(auth *types.Permit2Authorization, requirements *types.PaymentRequirements, signatureHex string) ([]byte, error) {
	parsedABI, err := abi.JSON(strings.NewReader(permit2TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	permittedAmount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permitted amount: %s", auth.Permitted.Amount)
	}
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce: %s", auth.Nonce)
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid deadline: %s", auth.Deadline)
	}

	// The requested amount follows the requirements, which the discount
	// recovery path may have adjusted below the permitted amount.
	requested, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount: %s", requirements.Amount)
	}
	if requested.Cmp(permittedAmount) > 0 {
		return nil, fmt.Errorf("requested amount %s exceeds permitted %s", requirements.Amount, auth.Permitted.Amount)
	}

	permit := struct {
		Permitted struct {
			Token  common.Address
			Amount *big.Int
		}
		Nonce    *big.Int
		Deadline *big.Int
	}{
		Nonce:    nonce,
		Deadline: deadline,
	}
	permit.Permitted.Token = common.HexToAddress(auth.Permitted.Token)
	permit.Permitted.Amount = permittedAmount

	transferDetails := struct {
		To              common.Address
		RequestedAmount *big.Int
	}{
		To:              common.HexToAddress(requirements.PayTo),
		RequestedAmount: requested,
	}

	return parsedABI.Pack(
		"permitTransferFrom",
		permit,
		transferDetails,
		common.HexToAddress(auth.From),
		common.FromHex(signatureHex),
	)
}

// submitCall signs and sends a contract call from the facilitator account,
// enforcing the configured gas-price ceiling.
func (f *Facilitator) submitCall(ctx context.Context, client *ethclient.Client, to common.Address, callData []byte, network string) (string, error) {
	nonce, err := client.PendingNonceAt(ctx, f.config.Signer.Address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	maxGasPrice, ok := new(big.Int).SetString(f.config.Transaction.MaxGasPrice, 10)
	if !ok {
		return "", fmt.Errorf("failed to parse max gas price: %s", f.config.Transaction.MaxGasPrice)
	}
	if gasPrice.Cmp(maxGasPrice) > 0 {
		return "", fmt.Errorf("gas price too high: suggested %s wei exceeds max %s wei", gasPrice.String(), maxGasPrice.String())
	}

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.config.Signer.Address,
		To:   &to,
		Data: callData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(
		nonce,
		to,
		big.NewInt(0),
		gasLimit,
		gasPrice,
		callData,
	)

	chainID, err := x402.ChainID(network)
	if err != nil {
		return "", fmt.Errorf("failed to get chain id: %w", err)
	}

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), f.config.Signer.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}
