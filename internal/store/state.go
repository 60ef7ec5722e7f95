package store

import (
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

type Account struct {
	Address common.Address `json:"address"`
	Label   string         `json:"label,omitempty"`
	Keys    []keys.Key     `json:"keys"`
}

func (a Account) Clone() Account {
	out := a
	if a.Keys != nil {
		out.Keys = make([]keys.Key, len(a.Keys))
		for i, k := range a.Keys {
			out.Keys[i] = k.Clone()
		}
	}
	return out
}

// ActiveKeys returns the keys usable at now.
func (a Account) ActiveKeys(now time.Time) []keys.Key {
	return keys.ActiveKeys(a.Keys, now)
}

// AdminKey returns the first active admin key of type typ that can sign.
func (a Account) AdminKey(now time.Time, typ keys.Type) (keys.Key, bool) {
	for _, k := range a.ActiveKeys(now) {
		if k.Role == keys.RoleAdmin && k.Type == typ && k.CanSign && k.Handle != nil {
			return k, true
		}
	}
	return keys.Key{}, false
}

type Chain struct {
	ID uint64 `json:"id"`
}

// ConnectHint remembers what the last successful connect used.
type ConnectHint struct {
	Address      *common.Address `json:"address,omitempty"`
	CredentialID string          `json:"credentialId,omitempty"`
}

type State struct {
	Accounts []Account   `json:"accounts"`
	Chain    Chain       `json:"chain"`
	Hint     ConnectHint `json:"hint"`

	// Keyring holds every key this process has a handle for. It outlives
	// disconnect so a reconnect can sign with the same keys.
	Keyring []keys.Key `json:"keyring,omitempty"`
}

func (s State) Clone() State {
	out := s
	if s.Accounts != nil {
		out.Accounts = make([]Account, len(s.Accounts))
		for i, a := range s.Accounts {
			out.Accounts[i] = a.Clone()
		}
	}
	if s.Keyring != nil {
		out.Keyring = make([]keys.Key, len(s.Keyring))
		for i, k := range s.Keyring {
			out.Keyring[i] = k.Clone()
		}
	}
	if s.Hint.Address != nil {
		addr := *s.Hint.Address
		out.Hint.Address = &addr
	}
	return out
}

func (s State) Connected() bool { return len(s.Accounts) > 0 }

// Current is the account requests act on.
func (s State) Current() (Account, bool) {
	if len(s.Accounts) == 0 {
		return Account{}, false
	}
	return s.Accounts[0].Clone(), true
}

func (s State) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		out = append(out, a.Address)
	}
	return out
}

// IndexOf returns the position of addr in Accounts, or -1.
func (s State) IndexOf(addr common.Address) int {
	return slices.IndexFunc(s.Accounts, func(a Account) bool { return a.Address == addr })
}

// Remember adds the keys that carry a handle to the keyring, replacing
// entries with the same public key.
func (s *State) Remember(ks ...keys.Key) {
	for _, k := range ks {
		if k.Handle == nil {
			continue
		}
		if i := keys.IndexOf(s.Keyring, k.PublicKey); i >= 0 {
			s.Keyring[i] = k.Clone()
			continue
		}
		s.Keyring = append(s.Keyring, k.Clone())
	}
}

// Forget drops publicKey from the keyring.
func (s *State) Forget(publicKey []byte) {
	if i := keys.IndexOf(s.Keyring, publicKey); i >= 0 {
		s.Keyring = append(s.Keyring[:i:i], s.Keyring[i+1:]...)
	}
}
