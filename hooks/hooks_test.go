package hooks

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldcoin/agentkit/chains"
	"github.com/worldcoin/agentkit/events"
	"github.com/worldcoin/agentkit/header"
	"github.com/worldcoin/agentkit/store"
	"github.com/worldcoin/agentkit/types"
)

const testChain = "eip155:8453"

var nonceCounter atomic.Int64

type fakeResolver struct {
	humans map[string]string
	err    error
}

func (f *fakeResolver) LookupHuman(ctx context.Context, address, chainID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.humans[strings.ToLower(address)], nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) typesSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// signedRequest builds a GET request for target carrying a correctly signed
// agentkit header.
func signedRequest(t *testing.T, key *ecdsa.PrivateKey, address, target string) *http.Request {
	t.Helper()

	r := httptest.NewRequest("GET", target, nil)
	challenge := &types.SignedChallenge{
		Domain:   r.Host,
		Address:  address,
		URI:      target,
		Version:  types.ChallengeVersion,
		ChainID:  testChain,
		Type:     types.SignatureTypeEIP191,
		Nonce:    fmt.Sprintf("nonce-%d", nonceCounter.Add(1)),
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
	}
	signChallenge(t, key, challenge)

	encoded, err := header.Encode(challenge)
	require.NoError(t, err)
	r.Header.Set(header.Name, encoded)
	return r
}

func signChallenge(t *testing.T, key *ecdsa.PrivateKey, challenge *types.SignedChallenge) {
	t.Helper()

	codec := &chains.EVMCodec{}
	text, err := codec.Format(chains.Message{
		Domain:   challenge.Domain,
		Address:  challenge.Address,
		URI:      challenge.URI,
		Version:  challenge.Version,
		ChainID:  challenge.ChainID,
		Nonce:    challenge.Nonce,
		IssuedAt: challenge.IssuedAt,
	})
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), key)
	require.NoError(t, err)
	sig[64] += 27
	challenge.Signature = "0x" + hex.EncodeToString(sig)
}

type fixture struct {
	hooks    *Hooks
	usage    *store.MemoryStore
	recorder *eventRecorder
	resolver *fakeResolver
}

func newFixture(t *testing.T, mode types.AccessMode) *fixture {
	t.Helper()

	usage := store.NewMemoryStore()
	recorder := &eventRecorder{}
	resolver := &fakeResolver{humans: map[string]string{}}

	h, err := New(Config{
		Mode:     mode,
		Resolver: resolver,
		Usage:    usage,
		Nonces:   usage,
		SupportedChains: []types.SupportedChain{
			{ChainID: testChain, Type: types.SignatureTypeEIP191},
		},
		Events: recorder,
	})
	require.NoError(t, err)

	return &fixture{hooks: h, usage: usage, recorder: recorder, resolver: resolver}
}

func (f *fixture) register(address, humanID string) {
	f.resolver.humans[strings.ToLower(address)] = humanID
}

func TestConfigValidation(t *testing.T) {
	resolver := &fakeResolver{}

	_, err := New(Config{Mode: types.AccessMode{Mode: types.ModeFree}})
	assert.ErrorContains(t, err, "resolver")

	_, err = New(Config{Mode: types.AccessMode{Mode: types.ModeFreeTrial}, Resolver: resolver})
	assert.ErrorContains(t, err, "usage store")

	_, err = New(Config{Mode: types.AccessMode{Mode: types.ModeDiscount, Percent: 0}, Resolver: resolver, Usage: store.NewMemoryStore()})
	assert.ErrorContains(t, err, "percent")

	_, err = New(Config{Mode: types.AccessMode{Mode: types.ModeDiscount, Percent: 101}, Resolver: resolver, Usage: store.NewMemoryStore()})
	assert.ErrorContains(t, err, "percent")

	_, err = New(Config{Mode: types.AccessMode{Mode: "gratis"}, Resolver: resolver})
	assert.ErrorContains(t, err, "unknown access mode")
}

func TestNoHeaderIsNoDecision(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})

	r := httptest.NewRequest("GET", "https://api.x/data", nil)
	assert.Nil(t, f.hooks.OnProtectedRequest(context.Background(), r))
	assert.Empty(t, f.recorder.typesSeen())
}

func TestMalformedHeaderFailsValidation(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})

	r := httptest.NewRequest("GET", "https://api.x/data", nil)
	r.Header.Set(header.Name, "!!! not base64 !!!")

	assert.Nil(t, f.hooks.OnProtectedRequest(context.Background(), r))
	assert.Equal(t, []string{events.ValidationFailed}, f.recorder.typesSeen())
}

func TestUnadvertisedChainFailsValidation(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	r := httptest.NewRequest("GET", "https://api.x/data", nil)
	challenge := &types.SignedChallenge{
		Domain:   r.Host,
		Address:  address,
		URI:      "https://api.x/data",
		Version:  types.ChallengeVersion,
		ChainID:  "eip155:1",
		Type:     types.SignatureTypeEIP191,
		Nonce:    "n-unadvertised",
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
	}
	signChallenge(t, key, challenge)
	encoded, err := header.Encode(challenge)
	require.NoError(t, err)
	r.Header.Set(header.Name, encoded)

	assert.Nil(t, f.hooks.OnProtectedRequest(context.Background(), r))
	assert.Equal(t, []string{events.ValidationFailed}, f.recorder.typesSeen())
}

func TestFreeModeGrantsVerifiedHuman(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	grant := f.hooks.OnProtectedRequest(context.Background(), signedRequest(t, key, address, "https://api.x/data"))
	require.NotNil(t, grant)
	assert.Equal(t, address, grant.Address)
	assert.Equal(t, "0xh", grant.HumanID)
	assert.Equal(t, []string{events.AgentVerified}, f.recorder.typesSeen())
}

func TestUnregisteredWalletIsNotVerified(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)

	grant := f.hooks.OnProtectedRequest(context.Background(), signedRequest(t, key, address, "https://api.x/data"))
	assert.Nil(t, grant)
	assert.Equal(t, []string{events.AgentNotVerified}, f.recorder.typesSeen())
}

func TestResolverErrorFailsClosed(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)
	f.register(address, "0xh")
	f.resolver.err = fmt.Errorf("rpc timeout")

	grant := f.hooks.OnProtectedRequest(context.Background(), signedRequest(t, key, address, "https://api.x/data"))
	assert.Nil(t, grant)
	assert.Equal(t, []string{events.AgentNotVerified}, f.recorder.typesSeen())
}

func TestFreeTrialFirstUse(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFreeTrial, Uses: 2})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	grant := f.hooks.OnProtectedRequest(context.Background(), signedRequest(t, key, address, "https://api.x/data"))
	require.NotNil(t, grant)

	count, err := f.usage.GetUsageCount(context.Background(), "/data", "0xh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFreeTrialExhausted(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFreeTrial, Uses: 2})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	ctx := context.Background()
	require.NoError(t, f.usage.IncrementUsage(ctx, "/data", "0xh"))
	require.NoError(t, f.usage.IncrementUsage(ctx, "/data", "0xh"))

	grant := f.hooks.OnProtectedRequest(ctx, signedRequest(t, key, address, "https://api.x/data"))
	assert.Nil(t, grant)

	count, err := f.usage.GetUsageCount(ctx, "/data", "0xh")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestFreeTrialSharedHuman(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFreeTrial, Uses: 1})
	keyA, addressA := newTestKey(t)
	keyB, addressB := newTestKey(t)
	f.register(addressA, "0xh")
	f.register(addressB, "0xh")

	ctx := context.Background()
	require.NotNil(t, f.hooks.OnProtectedRequest(ctx, signedRequest(t, keyA, addressA, "https://api.x/data")))

	// The second wallet shares the human, so the trial is spent.
	assert.Nil(t, f.hooks.OnProtectedRequest(ctx, signedRequest(t, keyB, addressB, "https://api.x/data")))
}

func TestFreeTrialCountersPerEndpoint(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFreeTrial, Uses: 1})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	ctx := context.Background()
	require.NotNil(t, f.hooks.OnProtectedRequest(ctx, signedRequest(t, key, address, "https://api.x/data")))
	require.NotNil(t, f.hooks.OnProtectedRequest(ctx, signedRequest(t, key, address, "https://api.x/reports")))
	assert.Nil(t, f.hooks.OnProtectedRequest(ctx, signedRequest(t, key, address, "https://api.x/data")))
}

func TestNonceReplayRejected(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	r := signedRequest(t, key, address, "https://api.x/data")

	ctx := context.Background()
	require.NotNil(t, f.hooks.OnProtectedRequest(ctx, r))
	assert.Nil(t, f.hooks.OnProtectedRequest(ctx, r))

	seen := f.recorder.typesSeen()
	require.Len(t, seen, 2)
	assert.Equal(t, events.AgentVerified, seen[0])
	assert.Equal(t, events.ValidationFailed, seen[1])
}

func TestFailedVerificationDoesNotBurnNonce(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	r := signedRequest(t, key, address, "https://api.x/data")

	// Corrupt the signature: same nonce, invalid proof.
	raw := r.Header.Get(header.Name)
	parsed, err := header.Parse(raw)
	require.NoError(t, err)
	nonce := parsed.Nonce
	parsed.Signature = "0x" + strings.Repeat("11", 65)
	encoded, err := header.Encode(parsed)
	require.NoError(t, err)
	r.Header.Set(header.Name, encoded)

	ctx := context.Background()
	assert.Nil(t, f.hooks.OnProtectedRequest(ctx, r))

	used, err := f.usage.HasUsedNonce(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, used)
}

func TestStaleChallengeRejected(t *testing.T) {
	f := newFixture(t, types.AccessMode{Mode: types.ModeFree})
	key, address := newTestKey(t)
	f.register(address, "0xh")

	r := httptest.NewRequest("GET", "https://api.x/data", nil)
	challenge := &types.SignedChallenge{
		Domain:   r.Host,
		Address:  address,
		URI:      "https://api.x/data",
		Version:  types.ChallengeVersion,
		ChainID:  testChain,
		Type:     types.SignatureTypeEIP191,
		Nonce:    "n-stale",
		IssuedAt: time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339),
	}
	signChallenge(t, key, challenge)
	encoded, err := header.Encode(challenge)
	require.NoError(t, err)
	r.Header.Set(header.Name, encoded)

	assert.Nil(t, f.hooks.OnProtectedRequest(context.Background(), r))
	assert.Equal(t, []string{events.ValidationFailed}, f.recorder.typesSeen())
}
