package types

// Challenge and access-policy types for the agentkit extension.

// ChallengeVersion is the only challenge schema version currently issued.
const ChallengeVersion = "1"

// Signature families selectable via the challenge "type" field.
const (
	SignatureTypeEIP191  = "eip191"
	SignatureTypeEd25519 = "ed25519"
)

// Signature schemes a client may declare via "signatureScheme".
const (
	SignatureSchemeEIP191  = "eip191"
	SignatureSchemeEIP1271 = "eip1271"
	SignatureSchemeEIP6492 = "eip6492"
	SignatureSchemeSIWS    = "siws"
)

// CAIP-2 namespaces recognized by the extension.
const (
	NamespaceEIP155 = "eip155"
	NamespaceSolana = "solana"
)

// SignedChallenge is the logical message a client signs and returns in the
// agentkit header: a CAIP-122 challenge instantiated as SIWE (EVM) or SIWS
// (Solana), plus the detached signature.
type SignedChallenge struct {
	Domain          string   `json:"domain"`
	Address         string   `json:"address"`
	URI             string   `json:"uri"`
	Version         string   `json:"version"`
	ChainID         string   `json:"chainId"` // CAIP-2
	Type            string   `json:"type"`    // eip191 | ed25519
	Nonce           string   `json:"nonce"`
	IssuedAt        string   `json:"issuedAt"`
	ExpirationTime  string   `json:"expirationTime,omitempty"`
	NotBefore       string   `json:"notBefore,omitempty"`
	RequestID       string   `json:"requestId,omitempty"`
	Resources       []string `json:"resources,omitempty"`
	Statement       string   `json:"statement,omitempty"`
	SignatureScheme string   `json:"signatureScheme,omitempty"`
	Signature       string   `json:"signature"`
}

// SupportedChain advertises one chain a route accepts, with its
// chain-appropriate signature type.
type SupportedChain struct {
	ChainID         string `json:"chainId"`
	Type            string `json:"type"`
	SignatureScheme string `json:"signatureScheme,omitempty"`
}

// Access modes.
const (
	ModeFree      = "free"
	ModeFreeTrial = "free-trial"
	ModeDiscount  = "discount"
)

// AccessMode is the policy applied to verified agents on a route.
//
// Uses is the trial or discount cap; for discount mode, Uses == 0 means
// unbounded. Percent is only meaningful for discount mode.
type AccessMode struct {
	Mode    string `json:"mode"`
	Uses    int    `json:"uses,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

// ChallengeInfo is the server-minted half of a challenge, embedded in the
// 402 response extension block.
type ChallengeInfo struct {
	Domain         string   `json:"domain"`
	URI            string   `json:"uri"`
	Version        string   `json:"version"`
	Nonce          string   `json:"nonce"`
	IssuedAt       string   `json:"issuedAt"`
	ExpirationTime string   `json:"expirationTime,omitempty"`
	Statement      string   `json:"statement,omitempty"`
	Resources      []string `json:"resources"`
}

// ChallengeExtension is the full extension block declared under the
// "agentkit" key of a 402 response.
type ChallengeExtension struct {
	Info            ChallengeInfo    `json:"info"`
	SupportedChains []SupportedChain `json:"supportedChains"`
	Schema          map[string]any   `json:"schema"`
	Mode            *AccessMode      `json:"mode,omitempty"`
}
