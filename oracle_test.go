package paymaster

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_800_000_000, 0)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Decimals(ctx context.Context) (uint8, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint8), args.Error(1)
}

func (m *mockOracle) LatestRound(ctx context.Context) (*RoundData, error) {
	args := m.Called(ctx)
	round, _ := args.Get(0).(*RoundData)
	return round, args.Error(1)
}

// newMockOracle returns a feed answering answer at updatedAt.
func newMockOracle(answer int64, decimals uint8, updatedAt time.Time) *mockOracle {
	o := new(mockOracle)
	o.On("LatestRound", mock.Anything).Return(&RoundData{
		RoundID:         big.NewInt(1),
		Answer:          big.NewInt(answer),
		StartedAt:       uint64(updatedAt.Unix()),
		UpdatedAt:       uint64(updatedAt.Unix()),
		AnsweredInRound: big.NewInt(1),
	}, nil)
	o.On("Decimals", mock.Anything).Return(decimals, nil)
	return o
}

func newTestResolver(t *testing.T, native Oracle, maxAge time.Duration) *PriceResolver {
	t.Helper()
	r := NewPriceResolver(native, NewTokenDirectory(), maxAge)
	r.now = func() time.Time { return testNow }
	return r
}

func TestTokenDirectory(t *testing.T) {
	d := NewTokenDirectory()
	o := newMockOracle(1, 8, testNow)

	_, _, err := d.Set(common.Address{}, TokenInfo{Oracle: o, Decimals: 6})
	require.ErrorIs(t, err, ErrZeroAddress)
	_, _, err = d.Set(testToken, TokenInfo{Decimals: 6})
	require.ErrorIs(t, err, ErrTokenNotSupported)
	_, _, err = d.Set(testToken, TokenInfo{Oracle: o, Decimals: 37})
	require.ErrorIs(t, err, ErrInvalidDecimals)

	_, replaced, err := d.Set(testToken, TokenInfo{Oracle: o, Decimals: 6})
	require.NoError(t, err)
	assert.False(t, replaced)
	prev, replaced, err := d.Set(testToken, TokenInfo{Oracle: o, Decimals: 18})
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, uint8(6), prev.Decimals)

	other := common.HexToAddress("0x01")
	_, _, err = d.Set(other, TokenInfo{Oracle: o})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{other, testToken}, d.Tokens())

	assert.True(t, d.Remove(other))
	assert.False(t, d.Remove(other))
	_, ok := d.Lookup(other)
	assert.False(t, ok)
}

func TestPriceResolver_FetchPrice(t *testing.T) {
	tests := []struct {
		name      string
		answer    int64
		updatedAt time.Time
		err       error
	}{
		{"fresh", 2_000_00000000, testNow.Add(-time.Minute), nil},
		{"exactly max age", 2_000_00000000, testNow.Add(-time.Hour), nil},
		{"expired", 2_000_00000000, testNow.Add(-time.Hour - time.Second), ErrOraclePriceExpired},
		{"zero answer", 0, testNow, ErrOraclePriceNotPositive},
		{"negative answer", -5, testNow, ErrOraclePriceNotPositive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newMockOracle(tt.answer, 8, tt.updatedAt)
			r := newTestResolver(t, o, time.Hour)
			q, err := r.FetchPrice(context.Background(), o)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint256.NewInt(uint64(tt.answer)), q.Price)
			assert.Equal(t, uint8(8), q.Decimals)
		})
	}
}

func TestPriceResolver_FetchPriceOracleError(t *testing.T) {
	o := new(mockOracle)
	o.On("LatestRound", mock.Anything).Return(nil, errors.New("execution reverted"))
	r := newTestResolver(t, o, time.Hour)
	_, err := r.FetchPrice(context.Background(), o)
	require.ErrorContains(t, err, "execution reverted")
	o.AssertNotCalled(t, "Decimals", mock.Anything)
}

func TestPriceResolver_ResolveTokenPrice(t *testing.T) {
	// ETH at $2000, USDC at $1, both 8 decimal feeds, USDC has 6 decimals
	native := newMockOracle(2_000_00000000, 8, testNow)
	usdc := newMockOracle(1_00000000, 8, testNow)
	r := newTestResolver(t, native, time.Hour)
	_, _, err := r.Directory().Set(testToken, TokenInfo{Oracle: usdc, Decimals: 6})
	require.NoError(t, err)

	price, err := r.ResolveTokenPrice(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(2_000_000_000), price)

	amount, err := TokenAmount(ether(1), price)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(2_000_000_000), amount)

	_, err = r.ResolveTokenPrice(context.Background(), common.HexToAddress("0x01"))
	require.ErrorIs(t, err, ErrTokenNotSupported)
}

func TestPriceResolver_MixedFeedDecimals(t *testing.T) {
	// native feed with 18 decimals, token feed with 8, 18 decimal token
	native := new(mockOracle)
	native.On("LatestRound", mock.Anything).Return(&RoundData{
		Answer:    new(big.Int).Mul(big.NewInt(3_000), big.NewInt(1e18)),
		UpdatedAt: uint64(testNow.Unix()),
	}, nil)
	native.On("Decimals", mock.Anything).Return(uint8(18), nil)
	dai := newMockOracle(1_00000000, 8, testNow)

	r := newTestResolver(t, native, time.Hour)
	_, _, err := r.Directory().Set(testToken, TokenInfo{Oracle: dai, Decimals: 18})
	require.NoError(t, err)

	price, err := r.ResolveTokenPrice(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, ether(3_000), price)
}

func TestPriceResolver_ExpiredTokenFeed(t *testing.T) {
	native := newMockOracle(2_000_00000000, 8, testNow)
	stale := newMockOracle(1_00000000, 8, testNow.Add(-2*time.Hour))
	r := newTestResolver(t, native, time.Hour)
	_, _, err := r.Directory().Set(testToken, TokenInfo{Oracle: stale, Decimals: 6})
	require.NoError(t, err)

	_, err = r.ResolveTokenPrice(context.Background(), testToken)
	require.ErrorIs(t, err, ErrOraclePriceExpired)

	r.SetMaxAge(3 * time.Hour)
	assert.Equal(t, 3*time.Hour, r.MaxAge())
	_, err = r.ResolveTokenPrice(context.Background(), testToken)
	require.NoError(t, err)
}

func TestTokenAmount(t *testing.T) {
	amount, err := TokenAmount(wei(1), uint256.NewInt(2_000_000_000))
	require.NoError(t, err)
	assert.True(t, amount.IsZero(), "sub-unit amounts are floored")

	max := new(uint256.Int).SetAllOne()
	_, err = TokenAmount(max, uint256.NewInt(2))
	require.ErrorIs(t, err, ErrAmountOverflow)
}
