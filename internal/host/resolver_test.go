package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		current    string
		want       string
		ok         bool
	}{
		{"nothing configured", "", "app.example.com", "", false},
		{"loopback current", "wallet.example.com", "localhost", "", false},
		{"loopback ip current", "wallet.example.com", "http://127.0.0.1:5173", "", false},
		{"dev subdomain", "wallet.example.com", "app.localhost", "", false},
		{"self referential", "wallet.example.com", "https://Wallet.Example.com", "", false},
		{"cross host", "wallet.example.com", "app.example.com", "wallet.example.com", true},
		{"no current", "https://wallet.example.com:443", "", "wallet.example.com", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Resolve(tc.configured, tc.current)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEffective(t *testing.T) {
	assert.Equal(t, "wallet.example.com", Effective("wallet.example.com", "app.example.com"))
	assert.Equal(t, "localhost", Effective("wallet.example.com", "http://localhost:3000"))
	assert.Equal(t, "wallet.example.com", Effective("wallet.example.com", ""))
	assert.Equal(t, "localhost", Effective("", ""))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("localhost"))
	assert.True(t, IsLoopback("LOCALHOST:8080"))
	assert.True(t, IsLoopback("[::1]:80"))
	assert.True(t, IsLoopback("127.0.0.2"))
	assert.True(t, IsLoopback("dapp.localhost"))
	assert.False(t, IsLoopback("localhost.example.com"))
	assert.False(t, IsLoopback("10.0.0.1"))
	assert.False(t, IsLoopback(""))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "example.com", Normalize("https://Example.com:8443/path"))
	assert.Equal(t, "::1", Normalize("[::1]:80"))
	assert.Equal(t, "example.com", Normalize("example.com."))
	assert.Equal(t, "", Normalize("null"))
}
