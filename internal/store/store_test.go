package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
	"github.com/quantumauth-io/quantum-auth-provider/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func testKey(b byte) keys.Key {
	k, err := keys.DeriveKey(keys.KeyPair{
		PublicKey: []byte{0x04, b},
		Handle:    keys.HardwareHandle{Ref: fmt.Sprintf("qa-hw:%d", b)},
	}, keys.RoleAdmin, 0, nil)
	if err != nil {
		panic(err)
	}
	return k
}

func TestGetStateIsACopy(t *testing.T) {
	s := New(State{Accounts: []Account{{Address: addrA, Keys: []keys.Key{testKey(1)}}}})

	st := s.GetState()
	st.Accounts[0].Keys[0].PublicKey[0] = 0xff
	st.Accounts = append(st.Accounts, Account{Address: addrB})

	again := s.GetState()
	require.Len(t, again.Accounts, 1)
	assert.Equal(t, byte(0x04), again.Accounts[0].Keys[0].PublicKey[0])
}

func TestSubscribersSeeOnlyTheirSlice(t *testing.T) {
	s := New(State{Chain: Chain{ID: 1}})

	var accountEvents, chainEvents int
	var lastChain Chain
	unsubAccounts := s.SubscribeAccounts(func(next, prev []Account) { accountEvents++ })
	s.SubscribeChain(func(next, prev Chain) {
		chainEvents++
		lastChain = next
		assert.Equal(t, uint64(1), prev.ID)
	})

	s.SetState(func(st State) State {
		st.Chain.ID = 10
		return st
	})
	assert.Equal(t, 0, accountEvents)
	assert.Equal(t, 1, chainEvents)
	assert.Equal(t, uint64(10), lastChain.ID)

	s.SetState(func(st State) State {
		st.Accounts = []Account{{Address: addrA}}
		return st
	})
	assert.Equal(t, 1, accountEvents)
	assert.Equal(t, 1, chainEvents)

	// no-op update
	s.SetState(func(st State) State { return st })
	assert.Equal(t, 1, accountEvents)

	unsubAccounts()
	unsubAccounts()
	s.SetState(func(st State) State {
		st.Accounts = nil
		return st
	})
	assert.Equal(t, 1, accountEvents)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	s := New(State{Accounts: []Account{{Address: addrA}}})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			s.SetState(func(st State) State {
				st.Accounts[0].Keys = append(st.Accounts[0].Keys, testKey(b))
				return st
			})
		}(byte(i))
	}
	wg.Wait()

	assert.Len(t, s.GetState().Accounts[0].Keys, n)
}

func TestSlowSubscriberDoesNotHoldCommits(t *testing.T) {
	s := New(State{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls []uint64
	unsub := s.SubscribeChain(func(next, _ Chain) {
		calls = append(calls, next.ID)
		if next.ID == 1 {
			close(entered)
			<-release
		}
	})
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SetState(func(st State) State { st.Chain.ID = 1; return st })
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		defer close(second)
		s.SetState(func(st State) State { st.Chain.ID = 2; return st })
	}()
	assert.Eventually(t, func() bool { return s.GetState().Chain.ID == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	<-done
	<-second
	assert.Equal(t, []uint64{1, 2}, calls)
}

func TestPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := New(State{}, WithStorage(mem, "test.store"))

	hint := addrA
	s.SetState(func(st State) State {
		st.Accounts = []Account{{Address: addrA, Label: "main", Keys: []keys.Key{testKey(7)}}}
		st.Chain = Chain{ID: 8453}
		st.Hint = ConnectHint{Address: &hint, CredentialID: "cred"}
		return st
	})

	loaded := New(State{Chain: Chain{ID: 1}}, WithStorage(mem, "test.store"))
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, s.GetState(), loaded.GetState())

	require.NoError(t, loaded.Clear(ctx))
	_, err := mem.GetItem(ctx, "test.store")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadWithoutPersistedState(t *testing.T) {
	s := New(State{Chain: Chain{ID: 5}}, WithStorage(storage.NewMemory(), "x"))
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, uint64(5), s.GetState().Chain.ID)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, mem.SetItem(context.Background(), "x", []byte(`{"version":9,"state":{}}`)))
	s := New(State{}, WithStorage(mem, "x"))
	assert.Error(t, s.Load(context.Background()))
}

type brokenStorage struct{ storage.Memory }

func (*brokenStorage) SetItem(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestPersistFailureDoesNotFailMutation(t *testing.T) {
	s := New(State{}, WithStorage(&brokenStorage{}, "x"))
	next := s.SetState(func(st State) State {
		st.Chain.ID = 3
		return st
	})
	assert.Equal(t, uint64(3), next.Chain.ID)
	assert.Equal(t, uint64(3), s.GetState().Chain.ID)
}

func TestAccountHelpers(t *testing.T) {
	expired := testKey(2)
	expired.Expiry = 1
	session := testKey(3)
	session.Role = keys.RoleSession

	a := Account{Address: addrA, Keys: []keys.Key{expired, session, testKey(4)}}
	admin, ok := a.AdminKey(time.Now(), keys.TypeHardware)
	require.True(t, ok)
	assert.Equal(t, []byte{0x04, 4}, admin.PublicKey)
	_, ok = a.AdminKey(time.Now(), keys.TypeSoftware)
	assert.False(t, ok)

	st := State{Accounts: []Account{a, {Address: addrB}}}
	assert.True(t, st.Connected())
	assert.Equal(t, 1, st.IndexOf(addrB))
	assert.Equal(t, -1, st.IndexOf(common.Address{}))
	assert.Equal(t, []common.Address{addrA, addrB}, st.Addresses())

	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, addrA, cur.Address)
}

func TestKeyringRememberAndForget(t *testing.T) {
	var st State
	unheld := testKey(9)
	unheld.Handle = nil

	st.Remember(testKey(1), unheld, testKey(2))
	require.Len(t, st.Keyring, 2)

	replaced := testKey(1)
	replaced.Role = keys.RoleSession
	st.Remember(replaced)
	require.Len(t, st.Keyring, 2)
	assert.Equal(t, keys.RoleSession, st.Keyring[0].Role)

	cp := st.Clone()
	st.Forget([]byte{0x04, 1})
	require.Len(t, st.Keyring, 1)
	assert.Equal(t, []byte{0x04, 2}, st.Keyring[0].PublicKey)
	assert.Len(t, cp.Keyring, 2)

	st.Forget([]byte{0x04, 7})
	assert.Len(t, st.Keyring, 1)
}
