package paymaster

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

// The test operation reserves
//
//	prefund     = 450000 gas * 10 gwei = 4.5e15
//	unaccounted = 10000 gas * 10 gwei  = 1e14
//
// i.e. 4.6e15 wei before markup.
const testMaxCost = 4_600_000_000_000_000

func userOpHash(op *PackedUserOperation) common.Hash {
	return op.GetUserOpHash(testEntryPoint, testChainID)
}

func TestNewSponsorshipPaymaster_Config(t *testing.T) {
	signer := mustTestSigner(t)
	ctx := context.Background()
	deps := SponsorshipDeps{Sink: NewMemoryDepositSink()}

	tests := []struct {
		name   string
		mutate func(*SponsorshipConfig)
		err    error
	}{
		{"zero address", func(c *SponsorshipConfig) { c.Address = common.Address{} }, ErrZeroAddress},
		{"zero owner", func(c *SponsorshipConfig) { c.Owner = common.Address{} }, ErrZeroAddress},
		{"zero signer", func(c *SponsorshipConfig) { c.VerifyingSigner = common.Address{} }, ErrZeroAddress},
		{"zero fee collector", func(c *SponsorshipConfig) { c.FeeCollector = common.Address{} }, ErrZeroAddress},
		{"unaccounted gas", func(c *SponsorshipConfig) { c.UnaccountedGas = MaxUnaccountedGas + 1 }, ErrUnaccountedGasTooHigh},
		{"inverted bounds", func(c *SponsorshipConfig) { c.MarkupBounds = MarkupBounds{Min: 1_500_000, Max: 1_200_000} }, ErrInvalidMarkupBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SponsorshipConfig{
				Address:          testPaymaster,
				ChainID:          testChainID,
				GovernanceParams: testGovernanceParams(signer.Address()),
			}
			tt.mutate(&cfg)
			_, err := NewSponsorshipPaymaster(ctx, cfg, deps)
			require.ErrorIs(t, err, tt.err)
		})
	}

	_, err := NewSponsorshipPaymaster(ctx, SponsorshipConfig{
		Address:          testPaymaster,
		GovernanceParams: testGovernanceParams(signer.Address()),
	}, deps)
	require.Error(t, err)
}

func TestMaxOperationCost(t *testing.T) {
	op := newTestOp(testPaymaster, 60_000, 40_000)

	cost, err := MaxOperationCost(op, op.GetRequiredPrefund(), 10_000, false)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(testMaxCost), cost)

	// plus 10% of (200000 + 40000) gas at 10 gwei
	withPenalty, err := MaxOperationCost(op, op.GetRequiredPrefund(), 10_000, true)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(testMaxCost+240_000_000_000_000), withPenalty)

	_, err = MaxOperationCost(op, big.NewInt(-1), 0, false)
	require.Error(t, err)
}

func TestSponsorship_ValidateAndPostOp(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))

	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_100_000)
	hash := userOpHash(op)

	opCtx, vd, err := f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.NoError(t, err)
	assert.False(t, vd.SigFailed)
	assert.Equal(t, uint64(1_900_000_000), vd.ValidUntil)
	assert.Equal(t, uint64(1_700_000_000), vd.ValidAfter)
	require.Len(t, opCtx, SponsorshipContextSize)
	assert.Equal(t, StateValidated, f.pm.Lifecycle().State(hash))

	// 4.6e15 * 1.1
	reserved := uint256.NewInt(5_060_000_000_000_000)
	bal, err := f.pm.BalanceOf(testSponsor)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Sub(ether(1), reserved), bal)
	requireConserved(t, f.pm.Ledger())

	// base = 1e15 + 10000 * 5 gwei = 1.05e15, charged = 1.155e15
	s, err := f.pm.PostOp(OpSucceeded, opCtx, big.NewInt(1_000_000_000_000_000), big.NewInt(5_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(1_050_000_000_000_000), s.BaseCost)
	assert.Equal(t, uint256.NewInt(1_155_000_000_000_000), s.Charged)
	assert.Equal(t, uint256.NewInt(105_000_000_000_000), s.Premium)
	assert.Equal(t, uint256.NewInt(3_905_000_000_000_000), s.Refunded)

	bal, err = f.pm.BalanceOf(testSponsor)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Sub(ether(1), s.Charged), bal)
	fc, err := f.pm.BalanceOf(testFeeCollector)
	require.NoError(t, err)
	assert.Equal(t, s.Premium, fc)
	requireConserved(t, f.pm.Ledger())
	assert.Equal(t, 0, f.pm.Lifecycle().Pending())

	assert.Equal(t,
		[]EventKind{EventDeposited, EventGasBalanceDeducted, EventPremiumCollected},
		kinds(drain(f.events)))

	// a context settles once
	_, err = f.pm.PostOp(OpSucceeded, opCtx, big.NewInt(1), big.NewInt(1))
	require.ErrorIs(t, err, ErrOperationNotValidated)
}

func TestSponsorship_PostOpRevertedStillCharges(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_000_000)

	opCtx, _, err := f.pm.Validate(context.Background(), op, userOpHash(op), op.GetRequiredPrefund())
	require.NoError(t, err)
	s, err := f.pm.PostOp(OpReverted, opCtx, big.NewInt(2_000_000_000_000_000), big.NewInt(1_000_000_000))
	require.NoError(t, err)
	assert.True(t, s.Premium.IsZero())
	assert.Equal(t, uint256.NewInt(2_010_000_000_000_000), s.Charged)
	requireConserved(t, f.pm.Ledger())
}

func TestSponsorship_PostOpRejectsAlteredContext(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_000_000)
	hash := userOpHash(op)

	opCtx, _, err := f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.NoError(t, err)
	genuine, err := DecodeSponsorshipContext(opCtx)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(testMaxCost), genuine.Precharged)

	altered := map[string]func(c *SponsorshipContext){
		"inflated precharge": func(c *SponsorshipContext) { c.Precharged = ether(1000) },
		"other paymasterId":  func(c *SponsorshipContext) { c.PaymasterID = testRecipient },
		"other markup":       func(c *SponsorshipContext) { c.PriceMarkup = 1_500_000 },
	}
	for name, alter := range altered {
		t.Run(name, func(t *testing.T) {
			c := *genuine
			alter(&c)
			_, err := f.pm.PostOp(OpSucceeded, c.Encode(), big.NewInt(1_000_000_000_000_000), big.NewInt(1))
			require.ErrorIs(t, err, ErrInvalidContext)
			assert.Equal(t, StateValidated, f.pm.Lifecycle().State(hash))
		})
	}

	bal, err := f.pm.BalanceOf(testSponsor)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Sub(ether(1), uint256.NewInt(testMaxCost)), bal)
	recipient, err := f.pm.BalanceOf(testRecipient)
	require.NoError(t, err)
	assert.True(t, recipient.IsZero())

	_, err = f.pm.PostOp(OpSucceeded, opCtx, big.NewInt(1_000_000_000_000_000), big.NewInt(1))
	require.NoError(t, err)
	requireConserved(t, f.pm.Ledger())
	require.NoError(t, f.pm.Ledger().CheckSolvency())
}

func TestSponsorship_ValidateAbortsWhenUnfunded(t *testing.T) {
	f := newSponsorshipFixture(t)
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_000_000)
	hash := userOpHash(op)

	_, _, err := f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.ErrorIs(t, err, ErrInsufficientFundsForPaymasterID)
	assert.Equal(t, StateRejected, f.pm.Lifecycle().State(hash))
	assert.False(t, f.pm.Lifecycle().Awaiting(hash))

	// funded later, the same operation validates
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	_, _, err = f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.NoError(t, err)
	assert.Equal(t, StateValidated, f.pm.Lifecycle().State(hash))
}

// A 63-byte signature is refused before the ledger is consulted: the
// sponsor has no balance, yet the error is about the signature.
func TestSponsorship_ValidateShortSignature(t *testing.T) {
	f := newSponsorshipFixture(t)
	op := newTestOp(testPaymaster, 60_000, 40_000)

	data := make([]byte, SponsorshipPrefixSize, SponsorshipPrefixSize+63)
	copy(data, testSponsor.Bytes())
	data = append(data, bytes.Repeat([]byte{0x01}, 63)...)
	op.PaymasterAndData = mustPackPaymasterAndData(testPaymaster, 60_000, 40_000, data)

	opCtx, _, err := f.pm.Validate(context.Background(), op, userOpHash(op), op.GetRequiredPrefund())
	require.ErrorIs(t, err, ErrInvalidSignatureLength)
	assert.Nil(t, opCtx)
	assert.Empty(t, drain(f.events))
}

func TestSponsorship_ValidateForeignSignerIsSoftFailure(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	drain(f.events)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	impostor := &sponsorshipFixture{pm: f.pm, signer: NewSigner(key)}
	op := impostor.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_100_000)
	hash := userOpHash(op)

	opCtx, vd, err := f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.NoError(t, err)
	assert.True(t, vd.SigFailed)
	assert.Nil(t, opCtx)
	assert.Equal(t, uint64(1_900_000_000), vd.ValidUntil)

	bal, err := f.pm.BalanceOf(testSponsor)
	require.NoError(t, err)
	assert.Equal(t, ether(1), bal)
	assert.True(t, f.pm.Ledger().Totals().Reserved.IsZero())
	assert.Equal(t, StateRejected, f.pm.Lifecycle().State(hash))
	assert.Empty(t, drain(f.events))
}

func TestSponsorship_ValidateTamperedOperation(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_100_000)

	// the bundler raises the call gas after signing
	op.AccountGasLimits = PackUint128Pair(big.NewInt(100_000), big.NewInt(900_000))
	_, vd, err := f.pm.Validate(context.Background(), op, userOpHash(op), op.GetRequiredPrefund())
	require.NoError(t, err)
	assert.True(t, vd.SigFailed)
}

func TestSponsorship_ValidateErrors(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	ctx := context.Background()

	t.Run("wrong paymaster", func(t *testing.T) {
		op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_100_000)
		op.PaymasterAndData = append(testOwner.Bytes(), op.PaymasterAndData[common.AddressLength:]...)
		_, _, err := f.pm.Validate(ctx, op, userOpHash(op), op.GetRequiredPrefund())
		require.ErrorIs(t, err, ErrWrongPaymaster)
	})

	t.Run("truncated header", func(t *testing.T) {
		op := newTestOp(testPaymaster, 60_000, 40_000)
		op.PaymasterAndData = op.PaymasterAndData[:40]
		_, _, err := f.pm.Validate(ctx, op, userOpHash(op), op.GetRequiredPrefund())
		require.ErrorIs(t, err, ErrPaymasterDataTooShort)
	})

	t.Run("markup above bounds", func(t *testing.T) {
		op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 2_000_001)
		_, _, err := f.pm.Validate(ctx, op, userOpHash(op), op.GetRequiredPrefund())
		require.ErrorIs(t, err, ErrInvalidPriceMarkup)
	})

	t.Run("markup below bounds", func(t *testing.T) {
		op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 999_999)
		_, _, err := f.pm.Validate(ctx, op, userOpHash(op), op.GetRequiredPrefund())
		require.ErrorIs(t, err, ErrInvalidPriceMarkup)
	})

	t.Run("postOp gas not above unaccounted gas", func(t *testing.T) {
		op := f.sign(t, newTestOp(testPaymaster, 60_000, 10_000), testSponsor, 1_100_000)
		_, _, err := f.pm.Validate(ctx, op, userOpHash(op), op.GetRequiredPrefund())
		require.ErrorIs(t, err, ErrPostOpGasLimitTooLow)
	})

	t.Run("unfunded sponsor", func(t *testing.T) {
		op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testRecipient, 1_100_000)
		_, _, err := f.pm.Validate(ctx, op, userOpHash(op), op.GetRequiredPrefund())
		require.ErrorIs(t, err, ErrInsufficientFundsForPaymasterID)
	})

	bal, err := f.pm.BalanceOf(testSponsor)
	require.NoError(t, err)
	assert.Equal(t, ether(1), bal)
	assert.Equal(t, 0, f.pm.Lifecycle().Pending())
}

func TestSponsorship_ValidateTwiceBeforePostOp(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_000_000)
	hash := userOpHash(op)

	_, _, err := f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.NoError(t, err)
	_, _, err = f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.ErrorIs(t, err, ErrInvalidContext)

	bal, err := f.pm.BalanceOf(testSponsor)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Sub(ether(1), uint256.NewInt(testMaxCost)), bal)
}

func TestSponsorship_PostOpRejectsGarbageContext(t *testing.T) {
	f := newSponsorshipFixture(t)
	_, err := f.pm.PostOp(OpSucceeded, []byte{0x01, 0x02}, big.NewInt(1), big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidContext)

	// well formed but never validated
	c := SponsorshipContext{PaymasterID: testSponsor, PriceMarkup: 1_000_000, Precharged: wei(1), UserOpHash: common.HexToHash("0x01")}
	_, err = f.pm.PostOp(OpSucceeded, c.Encode(), big.NewInt(1), big.NewInt(1))
	require.ErrorIs(t, err, ErrOperationNotValidated)
}

func TestSponsorship_PostOpRetryAfterFailure(t *testing.T) {
	f := newSponsorshipFixture(t)
	// only enough for the reservation, not for a large overrun
	require.NoError(t, f.pm.DepositFor(testSponsor, uint256.NewInt(testMaxCost)))
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_000_000)
	hash := userOpHash(op)

	opCtx, _, err := f.pm.Validate(context.Background(), op, hash, op.GetRequiredPrefund())
	require.NoError(t, err)

	_, err = f.pm.PostOp(OpSucceeded, opCtx, big.NewInt(9_000_000_000_000_000), big.NewInt(1))
	require.ErrorIs(t, err, ErrInsufficientFundsForPaymasterID)
	assert.Equal(t, StateValidated, f.pm.Lifecycle().State(hash))

	_, err = f.pm.PostOp(OpSucceeded, opCtx, big.NewInt(1_000_000_000_000_000), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, StateUnvalidated, f.pm.Lifecycle().State(hash))
	requireConserved(t, f.pm.Ledger())
}

func TestSponsorship_ReservePenalty(t *testing.T) {
	f := newSponsorshipFixture(t, func(c *SponsorshipConfig) { c.ReservePenalty = true })
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_000_000)

	_, _, err := f.pm.Validate(context.Background(), op, userOpHash(op), op.GetRequiredPrefund())
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(testMaxCost+240_000_000_000_000), f.pm.Ledger().Totals().Reserved)
}

func TestSponsorship_MarkupBoundsFromGovernance(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(1)))
	require.NoError(t, f.pm.SetMarkupBounds(testOwner, MarkupBounds{Min: 1_200_000, Max: 1_500_000}))

	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_100_000)
	_, _, err := f.pm.Validate(context.Background(), op, userOpHash(op), op.GetRequiredPrefund())
	require.ErrorIs(t, err, ErrInvalidPriceMarkup)

	op = f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_200_000)
	_, _, err = f.pm.Validate(context.Background(), op, userOpHash(op), op.GetRequiredPrefund())
	require.NoError(t, err)
}

func TestSponsorship_ParsePaymasterAndData(t *testing.T) {
	f := newSponsorshipFixture(t)
	op := f.sign(t, newTestOp(testPaymaster, 60_000, 40_000), testSponsor, 1_300_000)

	d, err := f.pm.ParsePaymasterAndData(op.PaymasterAndData)
	require.NoError(t, err)
	assert.Equal(t, testSponsor, d.PaymasterID)
	assert.Equal(t, uint32(1_300_000), d.PriceMarkup)

	hash, err := f.pm.GetHash(op, d)
	require.NoError(t, err)
	got, err := RecoverSigner(hash, d.Signature)
	require.NoError(t, err)
	assert.Equal(t, f.signer.Address(), got)
}

func TestSponsorship_WithdrawTo(t *testing.T) {
	f := newSponsorshipFixture(t)
	require.NoError(t, f.pm.DepositFor(testSponsor, ether(2)))
	require.NoError(t, f.pm.WithdrawTo(testSponsor, testRecipient, ether(1)))
	assert.Equal(t, ether(1), f.sink.Paid(testRecipient))

	delayed := newSponsorshipFixture(t, func(c *SponsorshipConfig) { c.WithdrawalDelay = time.Hour })
	require.NoError(t, delayed.pm.DepositFor(testSponsor, ether(2)))
	require.ErrorIs(t, delayed.pm.WithdrawTo(testSponsor, testRecipient, ether(1)), ErrWithdrawalNotDue)
	require.NoError(t, delayed.pm.SubmitWithdrawalRequest(testSponsor, testRecipient, ether(1)))
	_, err := delayed.pm.ExecuteWithdrawalRequest(testSponsor)
	require.ErrorIs(t, err, ErrWithdrawalNotDue)
	require.NoError(t, delayed.pm.CancelWithdrawalRequest(testSponsor))
}
