package paymaster

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const testSignerKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	testChainID      = big.NewInt(137)
	testPaymaster    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testOwner        = common.HexToAddress("0x0A7199a96fdf0252E09F76545c1eF2be3692F46b")
	testFeeCollector = common.HexToAddress("0x00000000000000000000000000000000000000fc")
	testSponsor      = common.HexToAddress("0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe")
	testSender       = common.HexToAddress("0x8b4bfcada627647e8280523984c78ce505c56fbe")
	testRecipient    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	testToken        = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
)

func mustTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSignerFromHex(testSignerKey)
	require.NoError(t, err)
	return s
}

func wei(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// newTestOp returns an operation with
//
//	verificationGasLimit 100000, callGasLimit 200000, preVerificationGas 50000
//	maxPriorityFeePerGas 1 gwei, maxFeePerGas 10 gwei
//
// and an unsigned paymasterAndData header for paymaster.
func newTestOp(paymaster common.Address, pmVerificationGas, pmPostOpGas int64) *PackedUserOperation {
	return &PackedUserOperation{
		Sender:             testSender,
		Nonce:              big.NewInt(7),
		InitCode:           nil,
		CallData:           common.FromHex("0xb61d27f6"),
		AccountGasLimits:   PackUint128Pair(big.NewInt(100_000), big.NewInt(200_000)),
		PreVerificationGas: big.NewInt(50_000),
		GasFees:            PackUint128Pair(big.NewInt(1_000_000_000), big.NewInt(10_000_000_000)),
		PaymasterAndData:   mustPackPaymasterAndData(paymaster, pmVerificationGas, pmPostOpGas, nil),
		Signature:          common.FromHex("0x01"),
	}
}

func mustPackPaymasterAndData(paymaster common.Address, verificationGas, postOpGas int64, data []byte) []byte {
	pmd, err := PackPaymasterAndData(paymaster, big.NewInt(verificationGas), big.NewInt(postOpGas), data)
	if err != nil {
		panic(err)
	}
	return pmd
}

func testGovernanceParams(signer common.Address) GovernanceParams {
	return GovernanceParams{
		Owner:           testOwner,
		VerifyingSigner: signer,
		FeeCollector:    testFeeCollector,
		UnaccountedGas:  10_000,
		MarkupBounds:    DefaultMarkupBounds(),
	}
}

type sponsorshipFixture struct {
	pm     *SponsorshipPaymaster
	signer *Signer
	sink   *MemoryDepositSink
	events chan Event
}

func newSponsorshipFixture(t *testing.T, mutate ...func(*SponsorshipConfig)) *sponsorshipFixture {
	t.Helper()
	signer := mustTestSigner(t)
	cfg := SponsorshipConfig{
		Address:          testPaymaster,
		ChainID:          testChainID,
		GovernanceParams: testGovernanceParams(signer.Address()),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	sink := NewMemoryDepositSink()
	pm, err := NewSponsorshipPaymaster(context.Background(), cfg, SponsorshipDeps{Sink: sink})
	require.NoError(t, err)

	events := make(chan Event, 64)
	sub := pm.SubscribeEvents(events)
	t.Cleanup(sub.Unsubscribe)
	return &sponsorshipFixture{pm: pm, signer: signer, sink: sink, events: events}
}

// sign returns op with a signed sponsorship by paymasterId at markup.
func (f *sponsorshipFixture) sign(t *testing.T, op *PackedUserOperation, id common.Address, markup uint32) *PackedUserOperation {
	t.Helper()
	pmd, err := f.signer.SignSponsorship(op, f.pm.Address(), f.pm.ChainID(),
		op.PaymasterVerificationGasLimit(), op.PaymasterPostOpGasLimit(),
		SponsorshipData{PaymasterID: id, ValidUntil: 1_900_000_000, ValidAfter: 1_700_000_000, PriceMarkup: markup})
	require.NoError(t, err)
	signed := *op
	signed.PaymasterAndData = pmd
	return &signed
}

// drain returns the events published so far.
func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// requireConserved checks sum(balances) + reserved == deposited - withdrawn - gasSpent.
func requireConserved(t *testing.T, l *Ledger) {
	t.Helper()
	sum, err := l.Sum()
	require.NoError(t, err)
	totals := l.Totals()

	lhs := new(uint256.Int).Add(sum, totals.Reserved)
	rhs := new(uint256.Int).Sub(totals.Deposited, totals.Withdrawn)
	rhs.Sub(rhs, totals.GasSpent)
	require.Equal(t, rhs.ToBig().String(), lhs.ToBig().String(), "ledger conservation")
}
