package paymaster

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

type taggedRequest struct {
	Address string `validate:"eth_addr"`
	Markup  uint32 `validate:"markup"`
	ChainID uint64 `validate:"chain_id"`
	Until   uint64 `validate:"uint48"`
	Key     string `validate:"priv_key"`
}

func validRequest() taggedRequest {
	return taggedRequest{
		Address: testSponsor.Hex(),
		Markup:  1_100_000,
		ChainID: 137,
		Until:   1<<48 - 1,
		Key:     "0x" + testSignerKey,
	}
}

func TestRegisterValidators(t *testing.T) {
	v := validator.New()
	require.NoError(t, RegisterValidators(v))
	require.NoError(t, v.Struct(validRequest()))

	tests := []struct {
		name   string
		mutate func(*taggedRequest)
	}{
		{"address", func(r *taggedRequest) { r.Address = "0x1234" }},
		{"markup below 1x", func(r *taggedRequest) { r.Markup = 999_999 }},
		{"markup above 2x", func(r *taggedRequest) { r.Markup = 2_000_001 }},
		{"zero chain", func(r *taggedRequest) { r.ChainID = 0 }},
		{"timestamp", func(r *taggedRequest) { r.Until = 1 << 48 }},
		{"short key", func(r *taggedRequest) { r.Key = testSignerKey[2:] }},
		{"non-hex key", func(r *taggedRequest) { r.Key = "zz" + testSignerKey[2:] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			require.Error(t, v.Struct(r))
		})
	}
}
