package types

// x402 v2 wire types shared by the middleware, the facilitator and its client.

const X402Version = 2

// ResourceInfo describes a protected resource.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is a single acceptable payment option, an element of
// the "accepts" array in a 402 response.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"` // CAIP-2, e.g. "eip155:8453"
	Amount            string         `json:"amount"`  // atomic units, decimal string
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Extensions  map[string]any        `json:"extensions,omitempty"`
}

// PaymentPayload is the decoded payment header sent by clients.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    *ResourceInfo       `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     map[string]any      `json:"payload"`
	Extensions  map[string]any      `json:"extensions,omitempty"`
}

// ExactEVMAuthorization carries EIP-3009 transferWithAuthorization parameters.
type ExactEVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Permit2Authorization carries Permit2 permitTransferFrom parameters.
type Permit2Authorization struct {
	From      string           `json:"from"`
	Permitted Permit2Permitted `json:"permitted"`
	Nonce     string           `json:"nonce"`
	Deadline  string           `json:"deadline"`
}

// Permit2Permitted names the token and amount a Permit2 signature covers.
type Permit2Permitted struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Facilitator request/response types

type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

type SupportedKind struct {
	Scheme  string `json:"scheme" yaml:"scheme"`
	Network string `json:"network" yaml:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
