package provider

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/quantumauth-io/quantum-auth-provider/internal/executor"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

type connectParams struct {
	Capabilities struct {
		CreateAccount json.RawMessage `json:"createAccount,omitempty"`
	} `json:"capabilities"`
}

// createAccount reports whether creation was requested and the label to use.
// The capability is either a bool or {"label": "..."}.
func (p connectParams) createAccount() (bool, string) {
	raw := bytes.TrimSpace(p.Capabilities.CreateAccount)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "false" {
		return false, ""
	}
	var opts struct {
		Label string `json:"label"`
	}
	_ = json.Unmarshal(raw, &opts)
	return true, opts.Label
}

type addressParams struct {
	Address *common.Address `json:"address,omitempty"`
}

// keyParams is a pre-made key handed to authorize-key or create-account.
// Handle is the hex private key, hardware reference or credential id,
// depending on Type.
type keyParams struct {
	PublicKey  string           `json:"publicKey"`
	Role       keys.Role        `json:"role,omitempty"`
	Expiry     *hexutil.Uint64  `json:"expiry,omitempty"`
	CallScopes []keys.CallScope `json:"callScopes,omitempty"`
	Type       keys.Type        `json:"type"`
	Handle     string           `json:"handle"`
}

type authorizeKeyParams struct {
	Address    *common.Address  `json:"address,omitempty"`
	Key        *keyParams       `json:"key,omitempty"`
	Role       keys.Role        `json:"role,omitempty"`
	Expiry     *hexutil.Uint64  `json:"expiry,omitempty"`
	CallScopes []keys.CallScope `json:"callScopes,omitempty"`
}

type revokeKeyParams struct {
	Address   *common.Address `json:"address,omitempty"`
	PublicKey hexutil.Bytes   `json:"publicKey"`
}

type createAccountParams struct {
	Label string      `json:"label,omitempty"`
	Keys  []keyParams `json:"keys,omitempty"`
}

type prepareCreateAccountParams struct {
	Address *common.Address `json:"address"`
	Label   string          `json:"label,omitempty"`
	Keys    []keyParams     `json:"keys,omitempty"`
}

type switchChainParams struct {
	ChainID *hexutil.Uint64 `json:"chainId"`
}

type sendCallsParams struct {
	From         *common.Address  `json:"from,omitempty"`
	ChainID      *hexutil.Uint64  `json:"chainId,omitempty"`
	Calls        []executor.Call  `json:"calls"`
	Capabilities sendCapabilities `json:"capabilities"`
}

type sendCapabilities struct {
	Key *struct {
		PublicKey hexutil.Bytes `json:"publicKey"`
	} `json:"key,omitempty"`
}

type sendTransactionParams struct {
	From    *common.Address `json:"from,omitempty"`
	To      *common.Address `json:"to"`
	Value   *hexutil.Big    `json:"value,omitempty"`
	Data    hexutil.Bytes   `json:"data,omitempty"`
	Input   hexutil.Bytes   `json:"input,omitempty"`
	ChainID *hexutil.Uint64 `json:"chainId,omitempty"`
}

type SendCallsResult struct {
	ID common.Hash `json:"id"`
}

type ConnectedAccount struct {
	Address common.Address    `json:"address"`
	Label   string            `json:"label,omitempty"`
	Keys    []keys.PublicView `json:"keys"`
}

type ConnectResult struct {
	Accounts []ConnectedAccount `json:"accounts"`
}

// positional splits params into its array elements. Empty params and null
// decode to no elements.
func positional(params json.RawMessage) ([]json.RawMessage, error) {
	raw := bytes.TrimSpace(params)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, invalidParams("params must be an array")
	}
	return out, nil
}

// firstParam decodes the single positional parameter into T. ok is false
// when no parameter was given.
func firstParam[T any](params json.RawMessage) (v T, ok bool, err error) {
	args, err := positional(params)
	if err != nil {
		return v, false, err
	}
	if len(args) == 0 || string(bytes.TrimSpace(args[0])) == "null" {
		return v, false, nil
	}
	if err := json.Unmarshal(args[0], &v); err != nil {
		return v, false, invalidParams("invalid params: %v", err)
	}
	return v, true, nil
}

func requiredParam[T any](params json.RawMessage) (T, error) {
	v, ok, err := firstParam[T](params)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, invalidParams("missing params")
	}
	return v, nil
}

// parseMessage reads a personal_sign message: 0x-hex is decoded, anything
// else is signed as UTF-8 text.
func parseMessage(msg string) ([]byte, error) {
	m := strings.TrimSpace(msg)
	if strings.HasPrefix(m, "0x") || strings.HasPrefix(m, "0X") {
		b, err := hexutil.Decode("0x" + m[2:])
		if err != nil {
			return nil, invalidParams("invalid message hex: %v", err)
		}
		return b, nil
	}
	return []byte(msg), nil
}

type personalSignParams struct {
	Message []byte
	Address *common.Address
}

// decodePersonalSign accepts [message, address].
func decodePersonalSign(params json.RawMessage) (personalSignParams, error) {
	args, err := positional(params)
	if err != nil {
		return personalSignParams{}, err
	}
	if len(args) == 0 {
		return personalSignParams{}, invalidParams("missing message")
	}

	var msg string
	if err := json.Unmarshal(args[0], &msg); err != nil {
		return personalSignParams{}, invalidParams("message must be a string")
	}
	out := personalSignParams{}
	if out.Message, err = parseMessage(msg); err != nil {
		return personalSignParams{}, err
	}
	if len(args) > 1 {
		if out.Address, err = decodeAddress(args[1]); err != nil {
			return personalSignParams{}, err
		}
	}
	return out, nil
}

type typedDataParams struct {
	Address *common.Address
	Data    apitypes.TypedData
}

// decodeTypedData accepts [address, typedData] where typedData is an
// object or its JSON string encoding.
func decodeTypedData(params json.RawMessage) (typedDataParams, error) {
	args, err := positional(params)
	if err != nil {
		return typedDataParams{}, err
	}
	if len(args) < 2 {
		return typedDataParams{}, invalidParams("expected [address, typedData]")
	}

	out := typedDataParams{}
	if out.Address, err = decodeAddress(args[0]); err != nil {
		return typedDataParams{}, err
	}

	raw := bytes.TrimSpace(args[1])
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = []byte(asString)
	}
	if err := json.Unmarshal(raw, &out.Data); err != nil {
		return typedDataParams{}, invalidParams("invalid typed data: %v", err)
	}
	return out, nil
}

func decodeAddress(raw json.RawMessage) (*common.Address, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, invalidParams("address must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !common.IsHexAddress(s) {
		return nil, invalidParams("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	return &addr, nil
}
