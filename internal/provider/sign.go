package provider

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-auth-provider/internal/executor"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

func (p *Provider) personalSign(ctx context.Context, params json.RawMessage) (any, error) {
	sp, err := decodePersonalSign(params)
	if err != nil {
		return nil, err
	}
	st := p.store.GetState()
	acct, err := resolveAccount(st, sp.Address)
	if err != nil {
		return nil, err
	}
	s, err := p.adminSigner(acct)
	if err != nil {
		return nil, err
	}
	return p.executor.SignPersonalMessage(ctx, p.env(st), acct, sp.Message, s)
}

func (p *Provider) signTypedData(ctx context.Context, params json.RawMessage) (any, error) {
	tp, err := decodeTypedData(params)
	if err != nil {
		return nil, err
	}
	st := p.store.GetState()
	acct, err := resolveAccount(st, tp.Address)
	if err != nil {
		return nil, err
	}
	s, err := p.adminSigner(acct)
	if err != nil {
		return nil, err
	}
	return p.executor.SignTypedData(ctx, p.env(st), acct, tp.Data, s)
}

func (p *Provider) sendCalls(ctx context.Context, params json.RawMessage) (any, error) {
	sp, err := requiredParam[sendCallsParams](params)
	if err != nil {
		return nil, err
	}
	if len(sp.Calls) == 0 {
		return nil, invalidParams("missing calls")
	}
	var publicKey []byte
	if sp.Capabilities.Key != nil {
		publicKey = sp.Capabilities.Key.PublicKey
	}

	hash, err := p.execute(ctx, sp.From, sp.ChainID, sp.Calls, publicKey)
	if err != nil {
		return nil, err
	}
	return SendCallsResult{ID: hash}, nil
}

func (p *Provider) sendTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	tp, err := requiredParam[sendTransactionParams](params)
	if err != nil {
		return nil, err
	}
	if tp.To == nil {
		return nil, invalidParams("missing to")
	}
	data := tp.Data
	if len(data) == 0 {
		data = tp.Input
	}

	hash, err := p.execute(ctx, tp.From, tp.ChainID, []executor.Call{{To: *tp.To, Value: tp.Value, Data: data}}, nil)
	if err != nil {
		return nil, err
	}
	return hash, nil
}

// execute checks the sender and chain against the current state before the
// executor or backend is involved.
func (p *Provider) execute(ctx context.Context, from *common.Address, chainID *hexutil.Uint64, calls []executor.Call, publicKey []byte) (common.Hash, error) {
	st := p.store.GetState()
	acct, err := resolveAccount(st, from)
	if err != nil {
		return common.Hash{}, err
	}
	if chainID != nil && uint64(*chainID) != st.Chain.ID {
		return common.Hash{}, ErrChainDisconnected
	}
	s, err := p.signerFor(acct, publicKey)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := p.executor.Execute(ctx, p.env(st), acct, calls, s)
	if err != nil {
		return common.Hash{}, err
	}
	log.Info("provider: calls sent", "address", acct.Address.Hex(), "calls", len(calls), "hash", hash.Hex())
	return hash, nil
}
