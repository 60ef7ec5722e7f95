package keys

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PublicView is the externally visible form of a Key: no handle, no signing
// capability flag.
type PublicView struct {
	PublicKey  hexutil.Bytes  `json:"publicKey"`
	Role       Role           `json:"role"`
	Expiry     hexutil.Uint64 `json:"expiry"`
	CallScopes []CallScope    `json:"callScopes,omitempty"`
	Type       Type           `json:"type"`
}

// Viewer is implemented by Key and PublicView so that ToPublicView is
// idempotent.
type Viewer interface {
	PublicView() PublicView
}

func ToPublicView(v Viewer) PublicView { return v.PublicView() }

func (k Key) PublicView() PublicView {
	return PublicView{
		PublicKey:  bytes.Clone(k.PublicKey),
		Role:       k.Role,
		Expiry:     hexutil.Uint64(k.Expiry),
		CallScopes: cloneScopes(k.CallScopes),
		Type:       k.Type,
	}
}

func (v PublicView) PublicView() PublicView {
	out := v
	out.PublicKey = bytes.Clone(v.PublicKey)
	out.CallScopes = cloneScopes(v.CallScopes)
	return out
}

func PublicViews(in []Key) []PublicView {
	out := make([]PublicView, 0, len(in))
	for _, k := range in {
		out = append(out, k.PublicView())
	}
	return out
}
