package provider

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-auth-provider/internal/executor"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
	"github.com/quantumauth-io/quantum-auth-provider/internal/signer"
	"github.com/quantumauth-io/quantum-auth-provider/internal/store"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// requestAccounts returns the connected addresses, connecting first when
// there are none.
func (p *Provider) requestAccounts(ctx context.Context, params json.RawMessage) (any, error) {
	if st := p.store.GetState(); st.Connected() {
		return st.Addresses(), nil
	}
	st, err := p.connectAccounts(ctx, params)
	if err != nil {
		return nil, err
	}
	return st.Addresses(), nil
}

func (p *Provider) connect(ctx context.Context, params json.RawMessage) (any, error) {
	st, err := p.connectAccounts(ctx, params)
	if err != nil {
		return nil, err
	}
	out := ConnectResult{Accounts: make([]ConnectedAccount, 0, len(st.Accounts))}
	for _, a := range st.Accounts {
		out.Accounts = append(out.Accounts, p.connectedAccount(a))
	}
	return out, nil
}

func (p *Provider) connectAccounts(ctx context.Context, params json.RawMessage) (store.State, error) {
	cp, _, err := firstParam[connectParams](params)
	if err != nil {
		return store.State{}, err
	}

	var accounts []store.Account
	if create, label := cp.createAccount(); create {
		acct, err := p.newAccount(ctx, nil, label)
		if err != nil {
			return store.State{}, err
		}
		accounts = []store.Account{acct}
	} else {
		accounts, err = p.loadAccounts(ctx)
		if err != nil {
			return store.State{}, err
		}
	}
	return p.commitConnect(accounts), nil
}

// loadAccounts asks the executor for the user's accounts, first narrowed by
// the hint of the last session. A hint that no longer resolves is dropped
// and the load retried once without it.
func (p *Provider) loadAccounts(ctx context.Context) ([]store.Account, error) {
	st := p.store.GetState()
	env := p.env(st)
	criteria := executor.LoadCriteria{Address: st.Hint.Address, CredentialID: st.Hint.CredentialID}

	accounts, err := p.executor.LoadAccounts(ctx, env, criteria)
	if criteria.HasHint() && (err != nil || len(accounts) == 0) {
		log.Warn("provider: stored account hint did not resolve, retrying without it", "error", err)
		accounts, err = p.executor.LoadAccounts(ctx, env, executor.LoadCriteria{})
	}
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, unauthorized("no account available")
	}
	return accounts, nil
}

// commitConnect replaces the connected accounts and emits connect.
// accountsChanged is emitted by the store subscription when the addresses
// differ.
func (p *Provider) commitConnect(accounts []store.Account) store.State {
	next := p.store.SetState(func(st store.State) store.State {
		st.Accounts = accounts
		st.Hint = hintFor(accounts[0])
		for _, a := range accounts {
			st.Remember(a.Keys...)
		}
		return st
	})
	log.Info("provider: connected", "accounts", len(next.Accounts), "chainId", next.Chain.ID)
	p.emitter.Emit(Event{Kind: EventConnect, Data: ConnectInfo{ChainID: hexutil.Uint64(next.Chain.ID)}})
	return next
}

func hintFor(a store.Account) store.ConnectHint {
	addr := a.Address
	hint := store.ConnectHint{Address: &addr}
	for _, k := range a.Keys {
		if h, ok := k.Handle.(keys.CredentialHandle); ok {
			hint.CredentialID = h.ID
			break
		}
	}
	return hint
}

func (p *Provider) disconnect(context.Context, json.RawMessage) (any, error) {
	p.store.SetState(func(st store.State) store.State {
		st.Accounts = nil
		return st
	})
	log.Info("provider: disconnected")
	p.emitter.Emit(Event{Kind: EventDisconnect, Data: DisconnectInfo{Code: CodeDisconnected, Message: disconnectedMessage}})
	return nil, nil
}

func (p *Provider) accounts(context.Context, json.RawMessage) (any, error) {
	st := p.store.GetState()
	if !st.Connected() {
		return nil, ErrDisconnected
	}
	return st.Addresses(), nil
}

func (p *Provider) chainID(context.Context, json.RawMessage) (any, error) {
	return hexutil.Uint64(p.store.GetState().Chain.ID), nil
}

func (p *Provider) switchChain(_ context.Context, params json.RawMessage) (any, error) {
	sp, err := requiredParam[switchChainParams](params)
	if err != nil {
		return nil, err
	}
	if sp.ChainID == nil || *sp.ChainID == 0 {
		return nil, invalidParams("missing chainId")
	}
	id := uint64(*sp.ChainID)
	if len(p.chains) > 0 && !slices.Contains(p.chains, id) {
		return nil, ErrUnrecognizedChain
	}

	// chainChanged is emitted by the store subscription.
	p.store.SetState(func(st store.State) store.State {
		st.Chain.ID = id
		return st
	})
	log.Info("provider: chain switched", "chainId", id)
	return nil, nil
}

func (p *Provider) createAccount(ctx context.Context, params json.RawMessage) (any, error) {
	cp, _, err := firstParam[createAccountParams](params)
	if err != nil {
		return nil, err
	}
	premade, err := p.importKeys(cp.Keys)
	if err != nil {
		return nil, err
	}
	if len(premade) > 0 && !slices.ContainsFunc(premade, func(k keys.Key) bool {
		return k.Role == keys.RoleAdmin && p.canSign(k)
	}) {
		return nil, invalidParams("no pre-made admin key can sign with the %s backend", p.backend.Type())
	}

	acct, err := p.newAccount(ctx, premade, cp.Label)
	if err != nil {
		return nil, err
	}
	p.commitConnect([]store.Account{acct})
	return p.connectedAccount(acct), nil
}

// newAccount creates an account through the executor. Without pre-made
// keys a new admin key is created by the backend first.
func (p *Provider) newAccount(ctx context.Context, authorize []keys.Key, label string) (store.Account, error) {
	if len(authorize) == 0 {
		admin, err := p.newKey(ctx, keys.RoleAdmin, 0, nil, label)
		if err != nil {
			return store.Account{}, err
		}
		authorize = []keys.Key{admin}
	}
	return p.executor.CreateAccount(ctx, p.env(p.store.GetState()), authorize, label)
}

func (p *Provider) prepareCreateAccount(ctx context.Context, params json.RawMessage) (any, error) {
	pp, err := requiredParam[prepareCreateAccountParams](params)
	if err != nil {
		return nil, err
	}
	if pp.Address == nil || *pp.Address == (common.Address{}) {
		return nil, invalidParams("missing address")
	}
	premade, err := p.importKeys(pp.Keys)
	if err != nil {
		return nil, err
	}
	return p.executor.PrepareCreateAccount(ctx, p.env(p.store.GetState()), *pp.Address, premade, pp.Label)
}

func (p *Provider) connectedAccount(a store.Account) ConnectedAccount {
	return ConnectedAccount{
		Address: a.Address,
		Label:   a.Label,
		Keys:    keys.PublicViews(a.ActiveKeys(p.now())),
	}
}

// newKey creates a key pair with the configured backend. No store lock is
// held while the backend runs.
func (p *Provider) newKey(ctx context.Context, role keys.Role, expiry uint64, scopes []keys.CallScope, label string) (keys.Key, error) {
	pair, err := p.backend.CreateKeyPair(ctx, signer.Options{Label: label, Host: p.originHost(ctx)})
	if err != nil {
		return keys.Key{}, err
	}
	return keys.DeriveKey(pair, role, expiry, scopes)
}

func (p *Provider) importKeys(in []keyParams) ([]keys.Key, error) {
	out := make([]keys.Key, 0, len(in))
	for _, kp := range in {
		k, err := p.importKey(kp, keys.RoleAdmin, 0, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// importKey turns a pre-made key into a Key. role, expiry and scopes apply
// where kp leaves them out. A key of another type than the backend's is kept
// for the account but cannot sign here.
func (p *Provider) importKey(kp keyParams, role keys.Role, expiry uint64, scopes []keys.CallScope) (keys.Key, error) {
	if kp.Role != "" {
		role = kp.Role
	}
	if kp.Expiry != nil {
		expiry = uint64(*kp.Expiry)
	}
	if kp.CallScopes != nil {
		scopes = kp.CallScopes
	}

	h, err := keys.NewHandle(kp.Type, kp.Handle)
	if err != nil {
		return keys.Key{}, invalidParams("invalid key: %v", err)
	}
	pub, err := keys.ParsePublicKey(kp.PublicKey)
	if err != nil {
		return keys.Key{}, invalidParams("invalid key: %v", err)
	}
	pair := keys.KeyPair{PublicKey: pub, Handle: h}
	if err := signer.CheckKeyPair(pair); err != nil {
		return keys.Key{}, invalidParams("invalid key: %v", err)
	}
	k, err := keys.DeriveKey(pair, role, expiry, scopes)
	if err != nil {
		return keys.Key{}, invalidParams("invalid key: %v", err)
	}
	if k.Type != p.backend.Type() {
		k.CanSign = false
	}
	return k, nil
}
