package paymaster

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPackedUserOperation_GetPaymaster tests GetPaymaster function.
func TestPackedUserOperation_GetPaymaster(t *testing.T) {
	op := PackedUserOperation{
		PaymasterAndData: append(common.HexToAddress("0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe").Bytes(), []byte("extra data")...),
	}
	expectedAddress := common.HexToAddress("0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe")

	if got := op.GetPaymaster(); got != expectedAddress {
		t.Errorf("GetPaymaster() = %v, want %v", got, expectedAddress)
	}

	short := PackedUserOperation{PaymasterAndData: []byte{0x01, 0x02}}
	if got := short.GetPaymaster(); got != (common.Address{}) {
		t.Errorf("GetPaymaster() = %v, want zero address", got)
	}
}

// TestPackedUserOperation_GetFactory tests GetFactory function.
func TestPackedUserOperation_GetFactory(t *testing.T) {
	op := PackedUserOperation{
		InitCode: append(common.HexToAddress("0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe").Bytes(), []byte("init code")...),
	}
	expectedAddress := common.HexToAddress("0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe")

	if got := op.GetFactory(); got != expectedAddress {
		t.Errorf("GetFactory() = %v, want %v", got, expectedAddress)
	}
}

func TestPackedUserOperation_GasFields(t *testing.T) {
	op := newTestOp(testPaymaster, 60_000, 40_000)

	assert.Equal(t, int64(100_000), op.VerificationGasLimit().Int64())
	assert.Equal(t, int64(200_000), op.CallGasLimit().Int64())
	assert.Equal(t, int64(1_000_000_000), op.MaxPriorityFeePerGas().Int64())
	assert.Equal(t, int64(10_000_000_000), op.MaxFeePerGas().Int64())
	assert.Equal(t, int64(60_000), op.PaymasterVerificationGasLimit().Int64())
	assert.Equal(t, int64(40_000), op.PaymasterPostOpGasLimit().Int64())
	assert.Nil(t, op.PaymasterData())

	// (100000 + 200000 + 60000 + 40000 + 50000) * 10 gwei
	assert.Equal(t, "4500000000000000", op.GetRequiredPrefund().String())

	noPaymaster := *op
	noPaymaster.PaymasterAndData = nil
	assert.Equal(t, "3500000000000000", noPaymaster.GetRequiredPrefund().String())
	assert.Equal(t, 0, noPaymaster.PaymasterPostOpGasLimit().Sign())
}

func TestPackedUserOperation_GetUserOpHash(t *testing.T) {
	op := newTestOp(testPaymaster, 60_000, 40_000)
	hash := op.GetUserOpHash(testEntryPoint, testChainID)
	assert.NotEqual(t, common.Hash{}, hash)

	assert.NotEqual(t, hash, op.GetUserOpHash(testEntryPoint, big.NewInt(1)))
	assert.NotEqual(t, hash, op.GetUserOpHash(testPaymaster, testChainID))

	// unlike the authorization hash, the user operation hash covers the
	// paymaster data
	signed := *op
	signed.PaymasterAndData = append(append([]byte(nil), op.PaymasterAndData...), 0x01)
	assert.NotEqual(t, hash, signed.GetUserOpHash(testEntryPoint, testChainID))
}

func TestPackedUserOperation_JSON(t *testing.T) {
	op := newTestOp(testPaymaster, 60_000, 40_000)
	op.InitCode = common.FromHex("0x9406cc6185a346906296840746125a0e449764545fbfb9cf")

	raw, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"nonce":"0x7"`)

	var decoded PackedUserOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, op.Sender, decoded.Sender)
	assert.Equal(t, 0, op.Nonce.Cmp(decoded.Nonce))
	assert.Equal(t, op.InitCode, []byte(decoded.InitCode))
	assert.Equal(t, op.AccountGasLimits, decoded.AccountGasLimits)
	assert.Equal(t, op.GasFees, decoded.GasFees)
	assert.Equal(t, op.PaymasterAndData, decoded.PaymasterAndData)
	assert.Equal(t, op.GetUserOpHash(testEntryPoint, testChainID), decoded.GetUserOpHash(testEntryPoint, testChainID))
}

func TestPackedUserOperation_UnmarshalJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing nonce", `{"sender":"0x8b4bfcada627647e8280523984c78ce505c56fbe","preVerificationGas":"0x1","accountGasLimits":"0x` + zeros(64) + `","gasFees":"0x` + zeros(64) + `"}`},
		{"short gas limits", `{"sender":"0x8b4bfcada627647e8280523984c78ce505c56fbe","nonce":"0x1","preVerificationGas":"0x1","accountGasLimits":"0x00","gasFees":"0x` + zeros(64) + `"}`},
		{"short gas fees", `{"sender":"0x8b4bfcada627647e8280523984c78ce505c56fbe","nonce":"0x1","preVerificationGas":"0x1","accountGasLimits":"0x` + zeros(64) + `","gasFees":"0x00"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var op PackedUserOperation
			require.Error(t, json.Unmarshal([]byte(tt.in), &op))
		})
	}
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

func TestPackedUserOperation_String(t *testing.T) {
	op := newTestOp(testPaymaster, 60_000, 40_000)
	s := op.String()
	assert.Contains(t, s, "PackedUserOperation{")
	assert.Contains(t, s, "0x7, 7")
}

func TestPackUint128Pair(t *testing.T) {
	word := PackUint128Pair(big.NewInt(1), big.NewInt(2))
	assert.Equal(t, byte(1), word[15])
	assert.Equal(t, byte(2), word[31])
	assert.Equal(t, [32]byte{}, PackUint128Pair(nil, nil))
}
