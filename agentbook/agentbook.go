// Package agentbook resolves wallet addresses to anonymous human identifiers
// through the on-chain AgentBook registry.
package agentbook

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// The registry ABI. register is included for completeness; this client only
// performs the lookupHuman view call.
const agentBookABI = `[
	{
		"inputs": [{"name": "agent", "type": "address"}],
		"name": "lookupHuman",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "agent", "type": "address"},
			{"name": "root", "type": "uint256"},
			{"name": "nonce", "type": "uint256"},
			{"name": "nullifierHash", "type": "uint256"},
			{"name": "proof", "type": "uint256[8]"}
		],
		"name": "register",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Deployments maps CAIP-2 chain ids to deployed AgentBook contract
// addresses.
// TODO: add the World Chain mainnet address once the contract is deployed.
var Deployments = map[string]string{}

// DefaultRPCURLs are the public endpoints used when no explicit RPC URL is
// configured for a chain.
var DefaultRPCURLs = map[string]string{
	"eip155:1":    "https://eth.llamarpc.com",
	"eip155:8453": "https://mainnet.base.org",
	"eip155:480":  "https://worldchain-mainnet.g.alchemy.com/public",
}

// Config configures a registry client. All fields are optional overrides;
// with a zero Config the built-in deployment and RPC tables are used.
type Config struct {
	// ContractAddress overrides the deployment table for every chain.
	ContractAddress string

	// RPCURLs overrides the default RPC endpoint per chain id.
	RPCURLs map[string]string

	// Caller overrides RPC dialing entirely, for every chain. Used in tests
	// and by callers that manage their own connections.
	Caller ethereum.ContractCaller
}

// Client looks up human identifiers. RPC connections are dialed lazily and
// cached per chain id for the lifetime of the client.
type Client struct {
	cfg      Config
	registry abi.ABI

	mu      sync.RWMutex
	callers map[string]ethereum.ContractCaller
}

// New builds a registry client. It fails when the configuration cannot name
// a contract for any chain: no override and an empty deployment table.
func New(cfg Config) (*Client, error) {
	registry, err := abi.JSON(strings.NewReader(agentBookABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse AgentBook ABI: %w", err)
	}
	if cfg.ContractAddress == "" && len(Deployments) == 0 {
		return nil, fmt.Errorf("no AgentBook contract address: set ContractAddress or use a chain with a known deployment")
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		callers:  make(map[string]ethereum.ContractCaller),
	}, nil
}

// LookupHuman resolves a wallet address to its human identifier on the given
// chain. It returns the identifier as a lowercase hex string, or "" when the
// wallet is not registered. RPC and encoding failures are swallowed and
// reported as "" so a flaky node can never grant access.
func (c *Client) LookupHuman(ctx context.Context, address, chainID string) (string, error) {
	contract, err := c.contractAddress(chainID)
	if err != nil {
		return "", err
	}

	caller, err := c.caller(chainID)
	if err != nil {
		log.Printf("agentbook: no RPC client for %s: %v", chainID, err)
		return "", nil
	}

	callData, err := c.registry.Pack("lookupHuman", common.HexToAddress(address))
	if err != nil {
		log.Printf("agentbook: failed to encode lookupHuman call: %v", err)
		return "", nil
	}

	msg := ethereum.CallMsg{To: &contract, Data: callData}
	result, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		log.Printf("agentbook: lookupHuman call failed on %s: %v", chainID, err)
		return "", nil
	}

	var humanID *big.Int
	if err := c.registry.UnpackIntoInterface(&humanID, "lookupHuman", result); err != nil {
		log.Printf("agentbook: failed to decode lookupHuman result: %v", err)
		return "", nil
	}

	if humanID == nil || humanID.Sign() == 0 {
		return "", nil
	}
	return "0x" + humanID.Text(16), nil
}

func (c *Client) contractAddress(chainID string) (common.Address, error) {
	if c.cfg.ContractAddress != "" {
		return common.HexToAddress(c.cfg.ContractAddress), nil
	}
	if addr, ok := Deployments[chainID]; ok {
		return common.HexToAddress(addr), nil
	}
	return common.Address{}, fmt.Errorf("no AgentBook deployment for chain %s", chainID)
}

func (c *Client) caller(chainID string) (ethereum.ContractCaller, error) {
	if c.cfg.Caller != nil {
		return c.cfg.Caller, nil
	}

	c.mu.RLock()
	caller, ok := c.callers[chainID]
	c.mu.RUnlock()
	if ok {
		return caller, nil
	}

	rpcURL := c.cfg.RPCURLs[chainID]
	if rpcURL == "" {
		rpcURL = DefaultRPCURLs[chainID]
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("no RPC URL for chain %s", chainID)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}

	// Concurrent initializers may race; last writer wins, clients are
	// stateless.
	c.mu.Lock()
	c.callers[chainID] = client
	c.mu.Unlock()
	return client, nil
}
