// Package provider is the request dispatcher of the wallet provider. It
// validates each request against the current account state, calls the
// signing backend and the chain executor, commits the store and emits the
// matching events.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-auth-provider/internal/executor"
	"github.com/quantumauth-io/quantum-auth-provider/internal/signer"
	"github.com/quantumauth-io/quantum-auth-provider/internal/store"
)

// Method names.
const (
	MethodRequestAccounts      = "eth_requestAccounts"
	MethodConnect              = "wallet_connect"
	MethodDisconnect           = "wallet_disconnect"
	MethodAccounts             = "eth_accounts"
	MethodChainID              = "eth_chainId"
	MethodSwitchChain          = "wallet_switchEthereumChain"
	MethodGetKeys              = "wallet_getKeys"
	MethodGrantPermissions     = "wallet_grantPermissions"
	MethodAuthorizeKey         = "experimental_authorizeKey"
	MethodRevokePermissions    = "wallet_revokePermissions"
	MethodRevokeKey            = "experimental_revokeKey"
	MethodCreateAccount        = "experimental_createAccount"
	MethodPrepareCreateAccount = "wallet_prepareCreateAccount"
	MethodPersonalSign         = "personal_sign"
	MethodSignTypedData        = "eth_signTypedData_v4"
	MethodSendCalls            = "wallet_sendCalls"
	MethodSendTransaction      = "eth_sendTransaction"
	MethodPing                 = "wallet_ping"
)

// Methods under these prefixes belong to the provider; unknown ones are
// rejected instead of forwarded.
var reservedPrefixes = []string{"wallet_", "experimental_"}

type handlerFunc func(p *Provider, ctx context.Context, params json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	MethodRequestAccounts:      (*Provider).requestAccounts,
	MethodConnect:              (*Provider).connect,
	MethodDisconnect:           (*Provider).disconnect,
	MethodAccounts:             (*Provider).accounts,
	MethodChainID:              (*Provider).chainID,
	MethodSwitchChain:          (*Provider).switchChain,
	MethodGetKeys:              (*Provider).getKeys,
	MethodGrantPermissions:     (*Provider).authorizeKey,
	MethodAuthorizeKey:         (*Provider).authorizeKey,
	MethodRevokePermissions:    (*Provider).revokeKey,
	MethodRevokeKey:            (*Provider).revokeKey,
	MethodCreateAccount:        (*Provider).createAccount,
	MethodPrepareCreateAccount: (*Provider).prepareCreateAccount,
	MethodPersonalSign:         (*Provider).personalSign,
	MethodSignTypedData:        (*Provider).signTypedData,
	MethodSendCalls:            (*Provider).sendCalls,
	MethodSendTransaction:      (*Provider).sendTransaction,
	MethodPing:                 (*Provider).ping,
}

type Provider struct {
	store    *store.Store
	backend  signer.Backend
	executor executor.Executor
	emitter  *Emitter

	host   string
	chains []uint64
	now    func() time.Time

	unsubscribe []func()
}

type Option func(*Provider)

// WithHost sets the host used for credential creation when a request
// carries no origin.
func WithHost(host string) Option {
	return func(p *Provider) { p.host = host }
}

// WithChains limits wallet_switchEthereumChain to the given chain ids.
func WithChains(ids ...uint64) Option {
	return func(p *Provider) { p.chains = append([]uint64(nil), ids...) }
}

func WithEmitter(e *Emitter) Option {
	return func(p *Provider) { p.emitter = e }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func New(st *store.Store, backend signer.Backend, exec executor.Executor, opts ...Option) *Provider {
	p := &Provider{
		store:    st,
		backend:  backend,
		executor: exec,
		emitter:  NewEmitter(),
		host:     "localhost",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	// accountsChanged and chainChanged follow the committed state, in commit
	// order, once the new state is visible.
	p.unsubscribe = append(p.unsubscribe,
		st.Subscribe(
			func(s store.State) any { return s.Addresses() },
			func(next, _ any) {
				// disconnect reports an empty account list itself
				if addrs := next.([]common.Address); len(addrs) > 0 {
					p.emitter.Emit(Event{Kind: EventAccountsChanged, Data: addrs})
				}
			},
		),
		st.SubscribeChain(func(next, _ store.Chain) {
			p.emitter.Emit(Event{Kind: EventChainChanged, Data: hexutil.Uint64(next.ID)})
		}),
	)
	return p
}

func (p *Provider) Emitter() *Emitter { return p.emitter }

func (p *Provider) Store() *store.Store { return p.store }

// Close detaches the provider from its store.
func (p *Provider) Close() {
	for _, unsub := range p.unsubscribe {
		unsub()
	}
	p.unsubscribe = nil
}

// Request dispatches one method call. Errors raised by the provider are
// *RPCError; errors from the backend or executor are returned unchanged.
func (p *Provider) Request(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if h, ok := handlers[method]; ok {
		return h(p, ctx, params)
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(method, prefix) {
			return nil, unsupportedMethod(method)
		}
	}
	return p.executor.Forward(ctx, p.env(p.store.GetState()), method, params)
}

// Request and Response are the JSON-RPC envelopes used by transports.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Handle runs req and wraps the outcome in a Response.
func (p *Provider) Handle(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if strings.TrimSpace(req.Method) == "" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "missing method"}
		return resp
	}
	result, err := p.Request(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = AsRPCError(err)
		return resp
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	resp.Result = result
	return resp
}

type originKey struct{}

// WithOrigin attaches the host a request came from.
func WithOrigin(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, originKey{}, host)
}

func (p *Provider) originHost(ctx context.Context) string {
	if h, ok := ctx.Value(originKey{}).(string); ok && h != "" {
		return h
	}
	return p.host
}

func (p *Provider) env(st store.State) executor.Env {
	return executor.Env{ChainID: st.Chain.ID, Accounts: st.Accounts, Keys: st.Keyring}
}

func (p *Provider) ping(context.Context, json.RawMessage) (any, error) {
	return "pong", nil
}
