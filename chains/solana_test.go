package chains

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const solanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"

func TestSolanaFormat(t *testing.T) {
	codec := &SolanaCodec{}

	msg := Message{
		Domain:   "api.example.com",
		Address:  "7S3P4HxJpyyigGzodYwHtCxZyUQe9JiBMHyRWXArAaKv",
		URI:      "https://api.example.com/data",
		Version:  "1",
		ChainID:  solanaMainnet,
		Nonce:    "deadbeef",
		IssuedAt: "2026-08-06T12:00:00Z",
	}

	text, err := codec.Format(msg)
	require.NoError(t, err)

	expected := strings.Join([]string{
		"api.example.com wants you to sign in with your Solana account:",
		"7S3P4HxJpyyigGzodYwHtCxZyUQe9JiBMHyRWXArAaKv",
		"",
		"URI: https://api.example.com/data",
		"Version: 1",
		"Chain ID: 5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		"Nonce: deadbeef",
		"Issued At: 2026-08-06T12:00:00Z",
	}, "\n")
	assert.Equal(t, expected, text)
}

func TestSolanaVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	codec := &SolanaCodec{}
	address := base58.Encode(pub)
	message := "api.example.com wants you to sign in with your Solana account:\n" + address

	signature := base58.Encode(ed25519.Sign(priv, []byte(message)))

	ok, err := codec.Verify(context.Background(), message, address, signature)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered message must not verify.
	ok, err = codec.Verify(context.Background(), message+"!", address, signature)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSolanaVerifyLengths(t *testing.T) {
	codec := &SolanaCodec{}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	address := base58.Encode(pub)

	_, err = codec.Verify(context.Background(), "msg", address, base58.Encode([]byte("short")))
	assert.ErrorContains(t, err, "Invalid signature length")

	signature := base58.Encode(ed25519.Sign(priv, []byte("msg")))
	_, err = codec.Verify(context.Background(), "msg", base58.Encode([]byte("short")), signature)
	assert.ErrorContains(t, err, "Invalid public key length")
}
