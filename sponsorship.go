package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// penaltyPercent is the share of unused call and postOp gas the EntryPoint
// charges on top of the used gas.
const penaltyPercent = 10

// SponsorshipConfig configures a SponsorshipPaymaster.
type SponsorshipConfig struct {
	// Address is the paymaster contract the operations name in
	// paymasterAndData.
	Address common.Address
	ChainID *big.Int
	GovernanceParams

	// ReservePenalty adds the worst case unused gas penalty to every
	// reservation.
	ReservePenalty bool
	// WithdrawalDelay is the wait between a withdrawal request and its
	// execution. Zero allows instant withdrawals.
	WithdrawalDelay time.Duration
}

// SponsorshipDeps are the collaborators of a SponsorshipPaymaster. Vault and
// Code are optional.
type SponsorshipDeps struct {
	Store    Store
	Sink     DepositSink
	Verifier Verifier
	Vault    TokenVault
	Code     CodeReader
}

// SponsorshipPaymaster sponsors operations on behalf of paymasterIds that
// prepaid a balance, charging each the gas it caused plus a signed markup.
type SponsorshipPaymaster struct {
	*Governance
	*Treasury

	address        common.Address
	chainID        *big.Int
	reservePenalty bool

	ledger      *Ledger
	withdrawals *DelayedWithdrawals
	verifier    Verifier
	lifecycle   *Lifecycle
	feed        *event.Feed
}

// NewSponsorshipPaymaster validates cfg and wires the paymaster.
func NewSponsorshipPaymaster(ctx context.Context, cfg SponsorshipConfig, deps SponsorshipDeps) (*SponsorshipPaymaster, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: paymaster address", ErrZeroAddress)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %v", cfg.ChainID)
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Verifier == nil {
		deps.Verifier = ECDSAVerifier{}
	}

	feed := new(event.Feed)
	gov, err := newGovernance(ctx, cfg.GovernanceParams, deps.Code, feed)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(cfg.Address, deps.Store, deps.Sink, WithEventFeed(feed))
	if err != nil {
		return nil, err
	}

	p := &SponsorshipPaymaster{
		Governance:     gov,
		Treasury:       newTreasury(cfg.Address, gov, deps.Vault, feed, &ledger.guard),
		address:        cfg.Address,
		chainID:        new(big.Int).Set(cfg.ChainID),
		reservePenalty: cfg.ReservePenalty,
		ledger:         ledger,
		withdrawals:    NewDelayedWithdrawals(ledger, cfg.WithdrawalDelay),
		verifier:       deps.Verifier,
		lifecycle:      NewLifecycle(),
		feed:           feed,
	}
	log.Info("Sponsorship paymaster ready", "address", cfg.Address, "chainId", cfg.ChainID,
		"signer", cfg.VerifyingSigner, "feeCollector", cfg.FeeCollector, "withdrawalDelay", cfg.WithdrawalDelay)
	return p, nil
}

func (p *SponsorshipPaymaster) Address() common.Address { return p.address }

func (p *SponsorshipPaymaster) ChainID() *big.Int { return new(big.Int).Set(p.chainID) }

func (p *SponsorshipPaymaster) Ledger() *Ledger { return p.ledger }

func (p *SponsorshipPaymaster) Withdrawals() *DelayedWithdrawals { return p.withdrawals }

func (p *SponsorshipPaymaster) Lifecycle() *Lifecycle { return p.lifecycle }

// SubscribeEvents delivers every event of the paymaster to ch.
func (p *SponsorshipPaymaster) SubscribeEvents(ch chan<- Event) event.Subscription {
	return p.feed.Subscribe(ch)
}

// DepositFor credits amount to paymasterId.
func (p *SponsorshipPaymaster) DepositFor(id common.Address, amount *uint256.Int) error {
	return p.ledger.Deposit(id, amount)
}

// BalanceOf returns the balance of paymasterId.
func (p *SponsorshipPaymaster) BalanceOf(id common.Address) (*uint256.Int, error) {
	return p.ledger.BalanceOf(id)
}

// WithdrawTo pays amount of id's balance out to to. With a withdrawal delay
// configured, withdrawals go through SubmitWithdrawalRequest instead.
func (p *SponsorshipPaymaster) WithdrawTo(id, to common.Address, amount *uint256.Int) error {
	if d := p.withdrawals.Delay(); d > 0 {
		return fmt.Errorf("%w: withdrawals are delayed by %s", ErrWithdrawalNotDue, d)
	}
	return p.ledger.Withdraw(id, to, amount)
}

// SubmitWithdrawalRequest starts a delayed withdrawal of id's balance.
func (p *SponsorshipPaymaster) SubmitWithdrawalRequest(id, to common.Address, amount *uint256.Int) error {
	return p.withdrawals.Submit(id, to, amount)
}

// ExecuteWithdrawalRequest completes a due withdrawal of id.
func (p *SponsorshipPaymaster) ExecuteWithdrawalRequest(id common.Address) (*uint256.Int, error) {
	return p.withdrawals.Execute(id)
}

// CancelWithdrawalRequest drops the withdrawal request of id.
func (p *SponsorshipPaymaster) CancelWithdrawalRequest(id common.Address) error {
	return p.withdrawals.Cancel(id)
}

// GetHash returns the hash the verifying signer signs for op and d.
func (p *SponsorshipPaymaster) GetHash(op *PackedUserOperation, d *SponsorshipData) (common.Hash, error) {
	return SponsorshipHash(op, p.address, p.chainID, d)
}

// ParsePaymasterAndData decodes the sponsorship data of a complete
// paymasterAndData field.
func (p *SponsorshipPaymaster) ParsePaymasterAndData(paymasterAndData []byte) (*SponsorshipData, error) {
	data, err := paymasterDataOf(paymasterAndData)
	if err != nil {
		return nil, err
	}
	return DecodeSponsorshipData(data)
}

// Validate is the paymaster's validation hook. A signature that does not
// belong to the verifying signer yields SigFailed with no context and
// leaves the ledger untouched; every other failure is returned as an error.
// On success the estimated cost with markup is reserved from the
// paymasterId and the returned context must be passed to PostOp unchanged.
func (p *SponsorshipPaymaster) Validate(ctx context.Context, op *PackedUserOperation, userOpHash common.Hash, requiredPreFund *big.Int) (opCtx []byte, vd ValidationData, err error) {
	defer func() {
		validationsCounter.WithLabelValues("sponsorship", validationResult(vd, err)).Inc()
		if err != nil || vd.SigFailed {
			p.lifecycle.Rejected(userOpHash)
		}
	}()

	if pm := op.GetPaymaster(); pm != p.address {
		return nil, ValidationData{}, fmt.Errorf("%w: %s", ErrWrongPaymaster, pm)
	}
	d, err := p.ParsePaymasterAndData(op.PaymasterAndData)
	if err != nil {
		return nil, ValidationData{}, err
	}
	window := ValidationData{ValidUntil: d.ValidUntil, ValidAfter: d.ValidAfter}

	hash, err := p.GetHash(op, d)
	if err != nil {
		return nil, ValidationData{}, err
	}
	if !p.verifier.Verify(hash, d.Signature, p.VerifyingSigner()) {
		log.Debug("Sponsorship signature rejected", "userOpHash", userOpHash, "paymasterId", d.PaymasterID)
		window.SigFailed = true
		return nil, window, nil
	}

	params := p.Params()
	if err := params.MarkupBounds.Validate(d.PriceMarkup); err != nil {
		return nil, ValidationData{}, err
	}
	if op.PaymasterPostOpGasLimit().Cmp(new(big.Int).SetUint64(params.UnaccountedGas)) <= 0 {
		return nil, ValidationData{}, fmt.Errorf("%w: postOp gas limit %s, unaccounted gas %d",
			ErrPostOpGasLimitTooLow, op.PaymasterPostOpGasLimit(), params.UnaccountedGas)
	}
	if p.lifecycle.Awaiting(userOpHash) {
		return nil, ValidationData{}, fmt.Errorf("%w: userOp %s is already awaiting postOp", ErrInvalidContext, userOpHash)
	}

	maxCost, err := MaxOperationCost(op, requiredPreFund, params.UnaccountedGas, p.reservePenalty)
	if err != nil {
		return nil, ValidationData{}, err
	}
	reservation, err := ApplyMarkup(maxCost, d.PriceMarkup)
	if err != nil {
		return nil, ValidationData{}, err
	}
	c := SponsorshipContext{
		PaymasterID: d.PaymasterID,
		PriceMarkup: d.PriceMarkup,
		Precharged:  reservation,
		UserOpHash:  userOpHash,
	}
	opCtx = c.Encode()
	// no reservation may exist without a tracked context
	if err := p.lifecycle.Validated(userOpHash, opCtx); err != nil {
		return nil, ValidationData{}, err
	}
	if _, err := p.ledger.Precharge(d.PaymasterID, maxCost, d.PriceMarkup); err != nil {
		p.lifecycle.Abort(userOpHash)
		return nil, ValidationData{}, err
	}

	log.Debug("Sponsorship validated", "userOpHash", userOpHash, "paymasterId", d.PaymasterID,
		"markup", d.PriceMarkup, "precharged", reservation.ToBig())
	return opCtx, window, nil
}

// PostOp settles a validated operation. It runs for succeeded and reverted
// operations alike since gas is paid either way.
func (p *SponsorshipPaymaster) PostOp(mode PostOpMode, opCtx []byte, actualGasCost, actualUserOpFeePerGas *big.Int) (*Settlement, error) {
	c, err := DecodeSponsorshipContext(opCtx)
	if err != nil {
		return nil, err
	}
	actual, err := ToUint256(actualGasCost)
	if err != nil {
		return nil, err
	}
	fee, err := ToUint256(actualUserOpFeePerGas)
	if err != nil {
		return nil, err
	}
	if err := p.lifecycle.Settle(c.UserOpHash, opCtx); err != nil {
		return nil, err
	}

	s, err := p.ledger.Settle(SettleParams{
		PaymasterID:     c.PaymasterID,
		FeeCollector:    p.FeeCollector(),
		PriceMarkup:     c.PriceMarkup,
		Precharged:      c.Precharged,
		ActualGasCost:   actual,
		UnaccountedGas:  p.UnaccountedGas(),
		ActualFeePerGas: fee,
		UserOpHash:      c.UserOpHash,
	})
	if err != nil {
		p.lifecycle.Restore(c.UserOpHash)
		return nil, err
	}
	p.lifecycle.Complete(c.UserOpHash)
	settlementsCounter.WithLabelValues("sponsorship", mode.String()).Inc()
	return s, nil
}

// MaxOperationCost is the most an operation can cost the paymaster:
//
//	requiredPreFund + unaccountedGas * maxFeePerGas
//
// plus, with penalty set, 10% of (callGasLimit + postOpGasLimit) *
// maxFeePerGas.
func MaxOperationCost(op *PackedUserOperation, requiredPreFund *big.Int, unaccountedGas uint64, penalty bool) (*uint256.Int, error) {
	prefund, err := ToUint256(requiredPreFund)
	if err != nil {
		return nil, err
	}
	maxFee, err := ToUint256(op.MaxFeePerGas())
	if err != nil {
		return nil, err
	}
	overhead, err := mulUint64(unaccountedGas, maxFee)
	if err != nil {
		return nil, err
	}
	cost, err := addChecked(prefund, overhead)
	if err != nil {
		return nil, err
	}
	if !penalty {
		return cost, nil
	}

	gas := new(big.Int).Add(op.CallGasLimit(), op.PaymasterPostOpGasLimit())
	worst := gas.Mul(gas, op.MaxFeePerGas())
	worst.Mul(worst, big.NewInt(penaltyPercent))
	worst.Div(worst, big.NewInt(100))
	reserve, err := ToUint256(worst)
	if err != nil {
		return nil, err
	}
	return addChecked(cost, reserve)
}
