// Package executor is the boundary to on-chain execution. The provider never
// builds transactions itself; it hands accounts, keys and a signing callback
// to an Executor.
package executor

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
	"github.com/quantumauth-io/quantum-auth-provider/internal/signer"
	"github.com/quantumauth-io/quantum-auth-provider/internal/store"
)

// Env is the provider context an executor call runs in.
type Env struct {
	ChainID  uint64
	Accounts []store.Account
	// Keys are the keys the provider holds handles for.
	Keys []keys.Key
}

// Signer signs digests with the one key the provider picked for a request.
// It is the only way an executor gets signatures.
type Signer interface {
	Key() keys.PublicView
	Sign(ctx context.Context, digest []byte) (signer.Signature, error)
}

// KeySigner signs through a backend with a stored key's handle.
type KeySigner struct {
	Stored  keys.Key
	Backend signer.Backend
}

func (s KeySigner) Key() keys.PublicView { return s.Stored.PublicView() }

func (s KeySigner) Sign(ctx context.Context, digest []byte) (signer.Signature, error) {
	return s.Backend.Sign(ctx, s.Stored.Handle, digest)
}

// LoadCriteria narrows which accounts LoadAccounts returns. A zero value
// means "whatever the user picks".
type LoadCriteria struct {
	Address      *common.Address
	CredentialID string
}

func (c LoadCriteria) HasHint() bool { return c.Address != nil || c.CredentialID != "" }

type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

// PreparedAccount is an unsigned account creation: the relay context plus
// the payloads that must be signed externally.
type PreparedAccount struct {
	Address      common.Address  `json:"address"`
	Context      json.RawMessage `json:"context"`
	SignPayloads []hexutil.Bytes `json:"signPayloads"`
}

type Executor interface {
	LoadAccounts(ctx context.Context, env Env, criteria LoadCriteria) ([]store.Account, error)
	CreateAccount(ctx context.Context, env Env, authorizeKeys []keys.Key, label string) (store.Account, error)
	PrepareCreateAccount(ctx context.Context, env Env, address common.Address, authorizeKeys []keys.Key, label string) (PreparedAccount, error)
	// Execute sends calls from account, signed by s. s.Key() is the key the
	// relay must check the calls against.
	Execute(ctx context.Context, env Env, account store.Account, calls []Call, s Signer) (common.Hash, error)
	SignTypedData(ctx context.Context, env Env, account store.Account, data apitypes.TypedData, s Signer) (hexutil.Bytes, error)
	SignPersonalMessage(ctx context.Context, env Env, account store.Account, data []byte, s Signer) (hexutil.Bytes, error)
	AuthorizeKey(ctx context.Context, env Env, account store.Account, key keys.Key, s Signer) (keys.Key, error)
	RevokeKey(ctx context.Context, env Env, account store.Account, publicKey []byte, s Signer) error
	Forward(ctx context.Context, env Env, method string, params json.RawMessage) (json.RawMessage, error)
}
