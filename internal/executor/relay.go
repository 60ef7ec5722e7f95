package executor

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
	"github.com/quantumauth-io/quantum-auth-provider/internal/signer"
	"github.com/quantumauth-io/quantum-auth-provider/internal/store"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// Relay method names.
const (
	MethodLoadAccounts         = "wallet_loadAccounts"
	MethodCreateAccount        = "wallet_createAccount"
	MethodPrepareCreateAccount = "wallet_prepareCreateAccount"
	MethodPrepareCalls         = "wallet_prepareCalls"
	MethodSendPreparedCalls    = "wallet_sendPreparedCalls"
	MethodAuthorizeKey         = "wallet_authorizeKey"
	MethodRevokeKey            = "wallet_revokeKey"
	MethodWrapSignature        = "wallet_wrapSignature"
)

// RelayKey is a key as the relay sees it. Only credential ids leave the
// process; software and hardware handles never do.
type RelayKey struct {
	keys.PublicView
	CredentialID string `json:"credentialId,omitempty"`
}

type RelayAccount struct {
	Address common.Address `json:"address"`
	Label   string         `json:"label,omitempty"`
	Keys    []RelayKey     `json:"keys"`
}

type LoadAccountsRequest struct {
	ChainID      hexutil.Uint64  `json:"chainId"`
	Address      *common.Address `json:"address,omitempty"`
	CredentialID string          `json:"credentialId,omitempty"`
}

type CreateAccountRequest struct {
	ChainID hexutil.Uint64 `json:"chainId"`
	Keys    []RelayKey     `json:"keys"`
	Label   string         `json:"label,omitempty"`
}

type CreateAccountResult struct {
	Address common.Address `json:"address"`
}

type PrepareCreateAccountRequest struct {
	ChainID hexutil.Uint64 `json:"chainId"`
	Address common.Address `json:"address"`
	Keys    []RelayKey     `json:"keys"`
	Label   string         `json:"label,omitempty"`
}

type PrepareCallsRequest struct {
	ChainID hexutil.Uint64 `json:"chainId"`
	From    common.Address `json:"from"`
	Calls   []Call         `json:"calls"`
	Key     RelayKey       `json:"key"`
}

type AuthorizeKeyRequest struct {
	ChainID hexutil.Uint64 `json:"chainId"`
	Address common.Address `json:"address"`
	Key     RelayKey       `json:"key"`
	Signer  RelayKey       `json:"signer"`
}

type RevokeKeyRequest struct {
	ChainID   hexutil.Uint64 `json:"chainId"`
	Address   common.Address `json:"address"`
	PublicKey hexutil.Bytes  `json:"publicKey"`
	Signer    RelayKey       `json:"signer"`
}

// PreparedCalls is what the relay returns for anything that needs a
// signature: an opaque context and the digest to sign.
type PreparedCalls struct {
	Context json.RawMessage `json:"context"`
	Digest  hexutil.Bytes   `json:"digest"`
}

type SendPreparedRequest struct {
	Context   json.RawMessage           `json:"context"`
	Signature hexutil.Bytes             `json:"signature"`
	Metadata  *signer.AssertionMetadata `json:"metadata,omitempty"`
}

type SendPreparedResult struct {
	Hash common.Hash `json:"hash"`
}

type WrapSignatureRequest struct {
	ChainID   hexutil.Uint64            `json:"chainId"`
	Address   common.Address            `json:"address"`
	Digest    hexutil.Bytes             `json:"digest"`
	Signer    RelayKey                  `json:"signer"`
	Signature hexutil.Bytes             `json:"signature"`
	Metadata  *signer.AssertionMetadata `json:"metadata,omitempty"`
}

// RelayClient is an Executor backed by a JSON-RPC relay service.
type RelayClient struct {
	rpc *rpc.Client
}

var _ Executor = (*RelayClient)(nil)

func NewRelayClient(c *rpc.Client) *RelayClient {
	return &RelayClient{rpc: c}
}

func DialRelay(ctx context.Context, url string) (*RelayClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial relay %s", url)
	}
	return NewRelayClient(c), nil
}

func (r *RelayClient) Close() { r.rpc.Close() }

func (r *RelayClient) LoadAccounts(ctx context.Context, env Env, criteria LoadCriteria) ([]store.Account, error) {
	var out []RelayAccount
	err := r.rpc.CallContext(ctx, &out, MethodLoadAccounts, LoadAccountsRequest{
		ChainID:      hexutil.Uint64(env.ChainID),
		Address:      criteria.Address,
		CredentialID: criteria.CredentialID,
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]store.Account, 0, len(out))
	for _, ra := range out {
		a := store.Account{Address: ra.Address, Label: ra.Label, Keys: make([]keys.Key, 0, len(ra.Keys))}
		for _, rk := range ra.Keys {
			a.Keys = append(a.Keys, fromRelayKey(rk, env))
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func (r *RelayClient) CreateAccount(ctx context.Context, env Env, authorizeKeys []keys.Key, label string) (store.Account, error) {
	var out CreateAccountResult
	err := r.rpc.CallContext(ctx, &out, MethodCreateAccount, CreateAccountRequest{
		ChainID: hexutil.Uint64(env.ChainID),
		Keys:    toRelayKeys(authorizeKeys),
		Label:   label,
	})
	if err != nil {
		return store.Account{}, err
	}
	if out.Address == (common.Address{}) {
		return store.Account{}, errors.New("relay returned no account address")
	}

	a := store.Account{Address: out.Address, Label: label, Keys: make([]keys.Key, 0, len(authorizeKeys))}
	for _, k := range authorizeKeys {
		a.Keys = append(a.Keys, k.Clone())
	}
	return a, nil
}

func (r *RelayClient) PrepareCreateAccount(ctx context.Context, env Env, address common.Address, authorizeKeys []keys.Key, label string) (PreparedAccount, error) {
	var out PreparedAccount
	err := r.rpc.CallContext(ctx, &out, MethodPrepareCreateAccount, PrepareCreateAccountRequest{
		ChainID: hexutil.Uint64(env.ChainID),
		Address: address,
		Keys:    toRelayKeys(authorizeKeys),
		Label:   label,
	})
	if err != nil {
		return PreparedAccount{}, err
	}
	if out.Address == (common.Address{}) {
		out.Address = address
	}
	return out, nil
}

func (r *RelayClient) Execute(ctx context.Context, env Env, account store.Account, calls []Call, s Signer) (common.Hash, error) {
	var prepared PreparedCalls
	err := r.rpc.CallContext(ctx, &prepared, MethodPrepareCalls, PrepareCallsRequest{
		ChainID: hexutil.Uint64(env.ChainID),
		From:    account.Address,
		Calls:   calls,
		Key:     RelayKey{PublicView: s.Key()},
	})
	if err != nil {
		return common.Hash{}, err
	}
	return r.signAndSend(ctx, prepared, s)
}

func (r *RelayClient) AuthorizeKey(ctx context.Context, env Env, account store.Account, key keys.Key, s Signer) (keys.Key, error) {
	var prepared PreparedCalls
	err := r.rpc.CallContext(ctx, &prepared, MethodAuthorizeKey, AuthorizeKeyRequest{
		ChainID: hexutil.Uint64(env.ChainID),
		Address: account.Address,
		Key:     toRelayKey(key),
		Signer:  RelayKey{PublicView: s.Key()},
	})
	if err != nil {
		return keys.Key{}, err
	}
	hash, err := r.signAndSend(ctx, prepared, s)
	if err != nil {
		return keys.Key{}, err
	}
	log.Info("relay: key authorized", "account", account.Address.Hex(), "tx", hash.Hex())
	return key, nil
}

func (r *RelayClient) RevokeKey(ctx context.Context, env Env, account store.Account, publicKey []byte, s Signer) error {
	var prepared PreparedCalls
	err := r.rpc.CallContext(ctx, &prepared, MethodRevokeKey, RevokeKeyRequest{
		ChainID:   hexutil.Uint64(env.ChainID),
		Address:   account.Address,
		PublicKey: publicKey,
		Signer:    RelayKey{PublicView: s.Key()},
	})
	if err != nil {
		return err
	}
	hash, err := r.signAndSend(ctx, prepared, s)
	if err != nil {
		return err
	}
	log.Info("relay: key revoked", "account", account.Address.Hex(), "tx", hash.Hex())
	return nil
}

func (r *RelayClient) SignPersonalMessage(ctx context.Context, env Env, account store.Account, data []byte, s Signer) (hexutil.Bytes, error) {
	return r.wrap(ctx, env, account, accounts.TextHash(data), s)
}

func (r *RelayClient) SignTypedData(ctx context.Context, env Env, account store.Account, data apitypes.TypedData, s Signer) (hexutil.Bytes, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, errors.Wrap(err, "typed data hash")
	}
	return r.wrap(ctx, env, account, digest, s)
}

// Forward passes a request the provider does not own to the relay as is.
func (r *RelayClient) Forward(ctx context.Context, _ Env, method string, params json.RawMessage) (json.RawMessage, error) {
	var args []any
	if len(bytes.TrimSpace(params)) > 0 {
		var raw []json.RawMessage
		if err := json.Unmarshal(params, &raw); err != nil {
			// A single non-array param is sent as the only element.
			raw = []json.RawMessage{params}
		}
		for _, p := range raw {
			args = append(args, p)
		}
	}

	var out json.RawMessage
	if err := r.rpc.CallContext(ctx, &out, method, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// wrap signs digest and lets the relay turn the raw key signature into one
// the account contract validates.
func (r *RelayClient) wrap(ctx context.Context, env Env, account store.Account, digest []byte, s Signer) (hexutil.Bytes, error) {
	sig, err := s.Sign(ctx, digest)
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	err = r.rpc.CallContext(ctx, &out, MethodWrapSignature, WrapSignatureRequest{
		ChainID:   hexutil.Uint64(env.ChainID),
		Address:   account.Address,
		Digest:    digest,
		Signer:    RelayKey{PublicView: s.Key()},
		Signature: sig.Bytes,
		Metadata:  sig.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RelayClient) signAndSend(ctx context.Context, prepared PreparedCalls, s Signer) (common.Hash, error) {
	if len(prepared.Digest) == 0 {
		return common.Hash{}, errors.New("relay returned nothing to sign")
	}
	sig, err := s.Sign(ctx, prepared.Digest)
	if err != nil {
		return common.Hash{}, err
	}
	var out SendPreparedResult
	err = r.rpc.CallContext(ctx, &out, MethodSendPreparedCalls, SendPreparedRequest{
		Context:   prepared.Context,
		Signature: sig.Bytes,
		Metadata:  sig.Metadata,
	})
	if err != nil {
		return common.Hash{}, err
	}
	return out.Hash, nil
}

func toRelayKey(k keys.Key) RelayKey {
	rk := RelayKey{PublicView: k.PublicView()}
	if h, ok := k.Handle.(keys.CredentialHandle); ok {
		rk.CredentialID = h.ID
	}
	return rk
}

func toRelayKeys(in []keys.Key) []RelayKey {
	out := make([]RelayKey, 0, len(in))
	for _, k := range in {
		out = append(out, toRelayKey(k))
	}
	return out
}

// fromRelayKey rebuilds a stored key. Handles come from what this process
// already holds; a key it never held can be listed but not used to sign.
func fromRelayKey(rk RelayKey, env Env) keys.Key {
	k := keys.Key{
		PublicKey:  bytes.Clone(rk.PublicKey),
		Role:       rk.Role,
		Expiry:     uint64(rk.Expiry),
		CallScopes: rk.CallScopes,
		Type:       rk.Type,
	}
	held := env.Keys
	for _, a := range env.Accounts {
		held = append(held[:len(held):len(held)], a.Keys...)
	}
	if i := keys.IndexOf(held, rk.PublicKey); i >= 0 && held[i].Handle != nil {
		k.Handle = held[i].Handle
		k.CanSign = held[i].CanSign
		return k.Clone()
	}
	if rk.Type == keys.TypeCredential && rk.CredentialID != "" {
		k.Handle = keys.CredentialHandle{ID: rk.CredentialID}
		k.CanSign = true
	}
	return k
}
