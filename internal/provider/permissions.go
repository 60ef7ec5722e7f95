package provider

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-auth-provider/internal/executor"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
	"github.com/quantumauth-io/quantum-auth-provider/internal/store"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// resolveAccount picks the account a request acts on: the one matching
// addr, or the current account when addr is nil. An unknown address is
// reported as unauthorized, not as missing.
func resolveAccount(st store.State, addr *common.Address) (store.Account, error) {
	if !st.Connected() {
		return store.Account{}, ErrDisconnected
	}
	if addr == nil {
		a, _ := st.Current()
		return a, nil
	}
	i := st.IndexOf(*addr)
	if i < 0 {
		return store.Account{}, ErrUnauthorized
	}
	return st.Accounts[i].Clone(), nil
}

// adminSigner signs with the account's first active admin key.
func (p *Provider) adminSigner(a store.Account) (executor.KeySigner, error) {
	admin, ok := a.AdminKey(p.now(), p.backend.Type())
	if !ok {
		return executor.KeySigner{}, unauthorized("account %s has no active admin key", a.Address.Hex())
	}
	return executor.KeySigner{Stored: admin, Backend: p.backend}, nil
}

func (p *Provider) getKeys(_ context.Context, params json.RawMessage) (any, error) {
	ap, _, err := firstParam[addressParams](params)
	if err != nil {
		return nil, err
	}
	acct, err := resolveAccount(p.store.GetState(), ap.Address)
	if err != nil {
		return nil, err
	}
	return keys.PublicViews(acct.ActiveKeys(p.now())), nil
}

// authorizeKey adds a key to an account: a pre-made one from params, or a
// new one from the backend. The key is committed only after the executor
// authorized it, to the account as it is at commit time.
func (p *Provider) authorizeKey(ctx context.Context, params json.RawMessage) (any, error) {
	ap, err := requiredParam[authorizeKeyParams](params)
	if err != nil {
		return nil, err
	}
	role := ap.Role
	if role == "" {
		role = keys.RoleSession
	}
	var expiry uint64
	if ap.Expiry != nil {
		expiry = uint64(*ap.Expiry)
	}

	var premade *keys.Key
	if ap.Key != nil {
		k, err := p.importKey(*ap.Key, role, expiry, ap.CallScopes)
		if err != nil {
			return nil, err
		}
		premade = &k
	}

	st := p.store.GetState()
	acct, err := resolveAccount(st, ap.Address)
	if err != nil {
		return nil, err
	}
	if premade != nil && keys.IndexOf(acct.Keys, premade.PublicKey) >= 0 {
		return nil, unauthorized("key already authorized on %s; revoke it first", acct.Address.Hex())
	}
	admin, err := p.adminSigner(acct)
	if err != nil {
		return nil, err
	}

	var key keys.Key
	if premade != nil {
		key = *premade
	} else {
		if key, err = p.newKey(ctx, role, expiry, ap.CallScopes, ""); err != nil {
			return nil, err
		}
	}

	authorized, err := p.executor.AuthorizeKey(ctx, p.env(st), acct, key, admin)
	if err != nil {
		return nil, err
	}
	if authorized.Handle == nil {
		authorized.Handle = key.Handle
		authorized.CanSign = key.CanSign
	}

	var (
		committed bool
		active    []keys.Key
	)
	p.store.SetState(func(st store.State) store.State {
		// authorized on-chain already; keep the handle even if the account moved
		st.Remember(authorized)
		i := st.IndexOf(acct.Address)
		if i < 0 || keys.IndexOf(st.Accounts[i].Keys, authorized.PublicKey) >= 0 {
			return st
		}
		st.Accounts[i].Keys = append(st.Accounts[i].Keys, authorized.Clone())
		committed = true
		active = st.Accounts[i].ActiveKeys(p.now())
		return st
	})
	if !committed {
		return nil, unauthorized("account %s changed while the key was authorized", acct.Address.Hex())
	}

	log.Info("provider: key authorized", "address", acct.Address.Hex(), "role", authorized.Role, "type", authorized.Type, "keys", len(active))
	p.emitKeysChanged(acct.Address, active)
	return authorized.PublicView(), nil
}

// revokeKey removes exactly one key, matched by public key, after the
// executor revoked it.
func (p *Provider) revokeKey(ctx context.Context, params json.RawMessage) (any, error) {
	rp, err := requiredParam[revokeKeyParams](params)
	if err != nil {
		return nil, err
	}
	if len(rp.PublicKey) == 0 {
		return nil, invalidParams("missing publicKey")
	}

	st := p.store.GetState()
	acct, err := resolveAccount(st, rp.Address)
	if err != nil {
		return nil, err
	}
	if keys.IndexOf(acct.Keys, rp.PublicKey) < 0 {
		return nil, invalidParams("unknown key")
	}
	admin, err := p.adminSigner(acct)
	if err != nil {
		return nil, err
	}

	if err := p.executor.RevokeKey(ctx, p.env(st), acct, rp.PublicKey, admin); err != nil {
		return nil, err
	}

	var (
		committed bool
		active    []keys.Key
	)
	p.store.SetState(func(st store.State) store.State {
		st.Forget(rp.PublicKey)
		i := st.IndexOf(acct.Address)
		if i < 0 {
			return st
		}
		j := keys.IndexOf(st.Accounts[i].Keys, rp.PublicKey)
		if j < 0 {
			return st
		}
		ks := st.Accounts[i].Keys
		st.Accounts[i].Keys = append(ks[:j:j], ks[j+1:]...)
		committed = true
		active = st.Accounts[i].ActiveKeys(p.now())
		return st
	})
	if !committed {
		// already gone locally; the on-chain revoke still happened
		return nil, nil
	}

	log.Info("provider: key revoked", "address", acct.Address.Hex(), "keys", len(active))
	p.emitKeysChanged(acct.Address, active)
	return nil, nil
}

func (p *Provider) emitKeysChanged(addr common.Address, active []keys.Key) {
	p.emitter.Emit(Event{Kind: EventMessage, Data: Message{
		Type: MessageKeysChanged,
		Data: KeysChanged{Address: addr, Keys: keys.PublicViews(active)},
	}})
}

// canSign reports whether the configured backend can sign with k.
func (p *Provider) canSign(k keys.Key) bool {
	return k.CanSign && k.Handle != nil && k.Type == p.backend.Type()
}

// signerFor picks the key a send names, or the admin key. A named key must
// be an active key of the account that this process can sign with.
func (p *Provider) signerFor(a store.Account, publicKey []byte) (executor.KeySigner, error) {
	if len(publicKey) == 0 {
		return p.adminSigner(a)
	}
	for _, k := range a.ActiveKeys(p.now()) {
		if bytes.Equal(k.PublicKey, publicKey) && p.canSign(k) {
			return executor.KeySigner{Stored: k, Backend: p.backend}, nil
		}
	}
	return executor.KeySigner{}, unauthorized("key is not an active signing key of %s", a.Address.Hex())
}
