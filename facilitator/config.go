package facilitator

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/worldcoin/agentkit/types"
	"gopkg.in/yaml.v3"
)

type FacilitatorConfig struct {
	Server      ServerConfig             `yaml:"server"`
	Networks    map[string]NetworkConfig `yaml:"networks"`
	Supported   []types.SupportedKind    `yaml:"supported"`
	Transaction TransactionConfig        `yaml:"transaction"`
	Log         LogConfig                `yaml:"log"`
	Signer      SignerConfig             `yaml:"-"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type NetworkConfig struct {
	RpcUrl string `yaml:"rpc_url"`
}

type TransactionConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxGasPrice    string `yaml:"max_gas_price"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type SignerConfig struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

func LoadConfig(configPath string) (*FacilitatorConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var facilitatorConfig FacilitatorConfig
	if err := yaml.Unmarshal(data, &facilitatorConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := loadEnvVars(&facilitatorConfig); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if err := facilitatorConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &facilitatorConfig, nil
}

func (config *FacilitatorConfig) GetNetworkConfig(network string) (NetworkConfig, error) {
	networkConfig, exists := config.Networks[network]
	if !exists {
		return NetworkConfig{}, fmt.Errorf("network not configured: %s", network)
	}
	return networkConfig, nil
}

func (config *FacilitatorConfig) IsSupported(scheme, network string) bool {
	for _, s := range config.Supported {
		if s.Scheme == scheme && s.Network == network {
			return true
		}
	}
	return false
}

func (config *FacilitatorConfig) Validate() error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", config.Server.Port)
	}

	if len(config.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	for network, netCfg := range config.Networks {
		if netCfg.RpcUrl == "" {
			return fmt.Errorf("network %s missing rpc_url", network)
		}
	}

	for _, pair := range config.Supported {
		if pair.Scheme == "" {
			return fmt.Errorf("supported scheme cannot be empty")
		}
		if pair.Network == "" {
			return fmt.Errorf("supported network cannot be empty")
		}
		if _, exists := config.Networks[pair.Network]; !exists {
			return fmt.Errorf("supported network %s is not defined in networks config", pair.Network)
		}
	}

	if config.Transaction.TimeoutSeconds <= 0 {
		return fmt.Errorf("transaction timeout must be positive, got %d", config.Transaction.TimeoutSeconds)
	}
	if config.Transaction.MaxGasPrice == "" {
		return fmt.Errorf("transaction max_gas_price must be set")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Log.Level)
	}

	if config.Signer.PrivateKey == nil {
		return fmt.Errorf("signer private key must be set")
	}

	return nil
}

func loadEnvVars(config *FacilitatorConfig) error {
	// ex: export X402_FACILITATOR_PRIVATE_KEY=0x123...
	privateKeyHex := os.Getenv("X402_FACILITATOR_PRIVATE_KEY")
	if privateKeyHex == "" {
		return fmt.Errorf("X402_FACILITATOR_PRIVATE_KEY environment variable required")
	}
	if len(privateKeyHex) > 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	config.Signer = SignerConfig{
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}
	return nil
}
