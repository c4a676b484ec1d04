package facilitator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const validYAML = `
server:
  host: localhost
  port: 4020
networks:
  "eip155:8453":
    rpc_url: https://mainnet.base.org
  "eip155:1":
    rpc_url: https://eth.llamarpc.com
supported:
  - scheme: exact
    network: "eip155:8453"
  - scheme: exact
    network: "eip155:1"
transaction:
  timeout_seconds: 120
  max_gas_price: "100000000000"
log:
  level: info
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("X402_FACILITATOR_PRIVATE_KEY", testPrivateKey)

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 4020, cfg.Server.Port)
	assert.Len(t, cfg.Networks, 2)
	assert.True(t, cfg.IsSupported("exact", "eip155:8453"))
	assert.False(t, cfg.IsSupported("exact", "eip155:10"))
	assert.NotNil(t, cfg.Signer.PrivateKey)
	assert.NotEqual(t, "0x0000000000000000000000000000000000000000", cfg.Signer.Address.Hex())
}

func TestLoadConfigRequiresPrivateKey(t *testing.T) {
	t.Setenv("X402_FACILITATOR_PRIVATE_KEY", "")

	_, err := LoadConfig(writeConfig(t, validYAML))
	assert.ErrorContains(t, err, "X402_FACILITATOR_PRIVATE_KEY")
}

func TestLoadConfigRejectsBadPrivateKey(t *testing.T) {
	t.Setenv("X402_FACILITATOR_PRIVATE_KEY", "0xnothex")

	_, err := LoadConfig(writeConfig(t, validYAML))
	assert.ErrorContains(t, err, "invalid private key")
}

func TestValidateRejectsUnknownSupportedNetwork(t *testing.T) {
	t.Setenv("X402_FACILITATOR_PRIVATE_KEY", testPrivateKey)

	bad := strings.Replace(validYAML, "transaction:", `  - scheme: exact
    network: "eip155:10"
transaction:`, 1)
	_, err := LoadConfig(writeConfig(t, bad))
	assert.ErrorContains(t, err, "eip155:10")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("X402_FACILITATOR_PRIVATE_KEY", testPrivateKey)

	bad := `
server:
  host: localhost
  port: 4020
networks:
  "eip155:8453":
    rpc_url: https://mainnet.base.org
transaction:
  timeout_seconds: 120
  max_gas_price: "100000000000"
log:
  level: verbose
`
	_, err := LoadConfig(writeConfig(t, bad))
	assert.ErrorContains(t, err, "invalid log level")
}

func TestGetNetworkConfig(t *testing.T) {
	cfg := &FacilitatorConfig{
		Networks: map[string]NetworkConfig{
			"eip155:8453": {RpcUrl: "https://mainnet.base.org"},
		},
	}

	netCfg, err := cfg.GetNetworkConfig("eip155:8453")
	require.NoError(t, err)
	assert.Equal(t, "https://mainnet.base.org", netCfg.RpcUrl)

	_, err = cfg.GetNetworkConfig("eip155:1")
	assert.ErrorContains(t, err, "network not configured")
}
