package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// TokenConfig configures a TokenPaymaster.
type TokenConfig struct {
	Address common.Address
	ChainID *big.Int
	GovernanceParams

	// IndependentPriceMarkup is applied to operations priced from oracles.
	IndependentPriceMarkup uint32
	// OracleMaxAge is the oldest oracle round accepted.
	OracleMaxAge time.Duration
}

// TokenDeps are the collaborators of a TokenPaymaster. Directory, Verifier
// and Code are optional.
type TokenDeps struct {
	Sink         DepositSink
	Vault        TokenVault
	NativeOracle Oracle
	Directory    *TokenDirectory
	Verifier     Verifier
	Code         CodeReader
}

// TokenSettlement is the outcome of a token postOp. Wei amounts are the gas
// cost, token amounts are in base units of Token.
type TokenSettlement struct {
	Sender        common.Address
	Token         common.Address
	TokenPrice    *uint256.Int
	BaseCost      *uint256.Int
	Charged       *uint256.Int
	TokenCharged  *uint256.Int
	TokenPremium  *uint256.Int
	TokenRefunded *uint256.Int
}

// TokenPaymaster pays gas out of its own EntryPoint deposit and has the
// operation's sender pay it back in ERC-20 tokens. The token price is either
// signed off-chain (external mode) or read from oracles (independent mode).
type TokenPaymaster struct {
	*Governance
	*Treasury

	address  common.Address
	chainID  *big.Int
	sink     DepositSink
	vault    TokenVault
	verifier Verifier
	resolver *PriceResolver

	mu                sync.RWMutex
	independentMarkup uint32

	guard     reentrancyGuard
	lifecycle *Lifecycle
	feed      *event.Feed
}

// NewTokenPaymaster validates cfg and wires the paymaster.
func NewTokenPaymaster(ctx context.Context, cfg TokenConfig, deps TokenDeps) (*TokenPaymaster, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: paymaster address", ErrZeroAddress)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %v", cfg.ChainID)
	}
	if deps.Sink == nil || deps.Vault == nil || deps.NativeOracle == nil {
		return nil, fmt.Errorf("token paymaster needs a deposit sink, a token vault and a native oracle")
	}
	if cfg.OracleMaxAge <= 0 {
		return nil, fmt.Errorf("invalid oracle max age %s", cfg.OracleMaxAge)
	}
	if deps.Verifier == nil {
		deps.Verifier = ECDSAVerifier{}
	}

	feed := new(event.Feed)
	gov, err := newGovernance(ctx, cfg.GovernanceParams, deps.Code, feed)
	if err != nil {
		return nil, err
	}
	if err := gov.MarkupBounds().Validate(cfg.IndependentPriceMarkup); err != nil {
		return nil, err
	}

	p := &TokenPaymaster{
		Governance:        gov,
		address:           cfg.Address,
		chainID:           new(big.Int).Set(cfg.ChainID),
		sink:              deps.Sink,
		vault:             deps.Vault,
		verifier:          deps.Verifier,
		resolver:          NewPriceResolver(deps.NativeOracle, deps.Directory, cfg.OracleMaxAge),
		independentMarkup: cfg.IndependentPriceMarkup,
		lifecycle:         NewLifecycle(),
		feed:              feed,
	}
	p.Treasury = newTreasury(cfg.Address, gov, deps.Vault, feed, &p.guard)
	log.Info("Token paymaster ready", "address", cfg.Address, "chainId", cfg.ChainID,
		"signer", cfg.VerifyingSigner, "independentMarkup", cfg.IndependentPriceMarkup, "oracleMaxAge", cfg.OracleMaxAge)
	return p, nil
}

func (p *TokenPaymaster) Address() common.Address { return p.address }

func (p *TokenPaymaster) ChainID() *big.Int { return new(big.Int).Set(p.chainID) }

func (p *TokenPaymaster) Resolver() *PriceResolver { return p.resolver }

func (p *TokenPaymaster) Lifecycle() *Lifecycle { return p.lifecycle }

// SubscribeEvents delivers every event of the paymaster to ch.
func (p *TokenPaymaster) SubscribeEvents(ch chan<- Event) event.Subscription {
	return p.feed.Subscribe(ch)
}

// IndependentPriceMarkup returns the markup of oracle priced operations.
func (p *TokenPaymaster) IndependentPriceMarkup() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.independentMarkup
}

// Deposit adds amount to the paymaster's own EntryPoint deposit.
func (p *TokenPaymaster) Deposit(from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := p.guard.enter(); err != nil {
		return err
	}
	defer p.guard.exit()
	if err := p.sink.DepositTo(p.address, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrDepositFailed, err)
	}
	p.feed.Send(Event{Kind: EventDeposited, Account: from, Amount: amount.Clone()})
	return nil
}

// WithdrawTo pays amount of the paymaster's EntryPoint deposit out to to.
func (p *TokenPaymaster) WithdrawTo(caller, to common.Address, amount *uint256.Int) error {
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: withdrawal destination", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := p.guard.enter(); err != nil {
		return err
	}
	defer p.guard.exit()
	if err := p.sink.WithdrawTo(p.address, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrWithdrawalFailed, err)
	}
	p.feed.Send(Event{Kind: EventWithdrawn, Account: caller, Counterparty: to, Amount: amount.Clone()})
	return nil
}

// GetDeposit returns the paymaster's EntryPoint deposit.
func (p *TokenPaymaster) GetDeposit() (*uint256.Int, error) {
	return p.sink.BalanceOf(p.address)
}

// SetTokenOracle adds token or replaces its price feed.
func (p *TokenPaymaster) SetTokenOracle(caller, token common.Address, oracle Oracle, decimals uint8) error {
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	if _, _, err := p.resolver.Directory().Set(token, TokenInfo{Oracle: oracle, Decimals: decimals}); err != nil {
		return err
	}
	log.Info("Token oracle set", "token", token, "decimals", decimals)
	p.feed.Send(Event{Kind: EventTokenOracleChanged, Account: caller, Token: token, NewValue: uint64(decimals)})
	return nil
}

// RemoveToken stops accepting token in independent mode.
func (p *TokenPaymaster) RemoveToken(caller, token common.Address) error {
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	if !p.resolver.Directory().Remove(token) {
		return fmt.Errorf("%w: %s", ErrTokenNotSupported, token)
	}
	log.Info("Token removed", "token", token)
	p.feed.Send(Event{Kind: EventTokenOracleChanged, Account: caller, Token: token})
	return nil
}

// SetIndependentPriceMarkup changes the markup of oracle priced operations.
func (p *TokenPaymaster) SetIndependentPriceMarkup(caller common.Address, markup uint32) error {
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	if err := p.MarkupBounds().Validate(markup); err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.independentMarkup
	p.independentMarkup = markup
	p.mu.Unlock()

	log.Info("Independent price markup changed", "previous", prev, "current", markup)
	p.feed.Send(Event{Kind: EventPriceMarkupChanged, Account: caller, OldValue: uint64(prev), NewValue: uint64(markup)})
	return nil
}

// SetOracleMaxAge changes the oldest oracle round accepted.
func (p *TokenPaymaster) SetOracleMaxAge(caller common.Address, maxAge time.Duration) error {
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	if maxAge <= 0 {
		return fmt.Errorf("invalid oracle max age %s", maxAge)
	}
	prev := p.resolver.MaxAge()
	p.resolver.SetMaxAge(maxAge)

	log.Info("Oracle max age changed", "previous", prev, "current", maxAge)
	p.feed.Send(Event{Kind: EventOracleMaxAgeChanged, Account: caller,
		OldValue: uint64(prev / time.Second), NewValue: uint64(maxAge / time.Second)})
	return nil
}

// GetHash returns the hash the verifying signer signs for an externally
// priced operation.
func (p *TokenPaymaster) GetHash(op *PackedUserOperation, d *TokenData) (common.Hash, error) {
	return TokenHash(op, p.address, p.chainID, d)
}

// ParsePaymasterAndData decodes the token data of a complete
// paymasterAndData field.
func (p *TokenPaymaster) ParsePaymasterAndData(paymasterAndData []byte) (*TokenData, error) {
	data, err := paymasterDataOf(paymasterAndData)
	if err != nil {
		return nil, err
	}
	return DecodeTokenData(data)
}

// Validate is the paymaster's validation hook. The estimated cost with
// markup is converted into tokens and pulled from the sender before
// returning; PostOp refunds the unused part.
func (p *TokenPaymaster) Validate(ctx context.Context, op *PackedUserOperation, userOpHash common.Hash, requiredPreFund *big.Int) (opCtx []byte, vd ValidationData, err error) {
	defer func() {
		validationsCounter.WithLabelValues("token", validationResult(vd, err)).Inc()
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

	var (
		window ValidationData
		price  *uint256.Int
		markup uint32
	)
	switch d.Mode {
	case TokenModeExternal:
		window = ValidationData{ValidUntil: d.ValidUntil, ValidAfter: d.ValidAfter}
		hash, err := p.GetHash(op, d)
		if err != nil {
			return nil, ValidationData{}, err
		}
		if !p.verifier.Verify(hash, d.Signature, p.VerifyingSigner()) {
			log.Debug("Token price signature rejected", "userOpHash", userOpHash, "token", d.Token)
			window.SigFailed = true
			return nil, window, nil
		}
		if price, err = ToUint256(d.TokenPrice); err != nil {
			return nil, ValidationData{}, err
		}
		if price.IsZero() {
			return nil, ValidationData{}, fmt.Errorf("%w: signed price of %s", ErrOraclePriceNotPositive, d.Token)
		}
		markup = d.PriceMarkup

	case TokenModeIndependent:
		if price, err = p.resolver.ResolveTokenPrice(ctx, d.Token); err != nil {
			oracleFailuresCounter.WithLabelValues(d.Token.Hex()).Inc()
			return nil, ValidationData{}, err
		}
		if price.IsZero() {
			return nil, ValidationData{}, fmt.Errorf("%w: %s price rounds to zero", ErrOraclePriceNotPositive, d.Token)
		}
		markup = p.IndependentPriceMarkup()
	}

	params := p.Params()
	if err := params.MarkupBounds.Validate(markup); err != nil {
		return nil, ValidationData{}, err
	}
	if op.PaymasterPostOpGasLimit().Cmp(new(big.Int).SetUint64(params.UnaccountedGas)) <= 0 {
		return nil, ValidationData{}, fmt.Errorf("%w: postOp gas limit %s, unaccounted gas %d",
			ErrPostOpGasLimitTooLow, op.PaymasterPostOpGasLimit(), params.UnaccountedGas)
	}
	if p.lifecycle.Awaiting(userOpHash) {
		return nil, ValidationData{}, fmt.Errorf("%w: userOp %s is already awaiting postOp", ErrInvalidContext, userOpHash)
	}

	maxCost, err := MaxOperationCost(op, requiredPreFund, params.UnaccountedGas, false)
	if err != nil {
		return nil, ValidationData{}, err
	}
	withMarkup, err := ApplyMarkup(maxCost, markup)
	if err != nil {
		return nil, ValidationData{}, err
	}
	amount, err := TokenAmount(withMarkup, price)
	if err != nil {
		return nil, ValidationData{}, err
	}

	c := TokenContext{
		Mode:        d.Mode,
		Token:       d.Token,
		Sender:      op.Sender,
		TokenPrice:  price,
		PriceMarkup: markup,
		Precharged:  amount,
		UserOpHash:  userOpHash,
	}
	opCtx = c.Encode()
	// no pulled tokens may exist without a tracked context
	if err := p.lifecycle.Validated(userOpHash, opCtx); err != nil {
		return nil, ValidationData{}, err
	}
	if err := p.guard.enter(); err != nil {
		p.lifecycle.Abort(userOpHash)
		return nil, ValidationData{}, err
	}
	if !amount.IsZero() {
		err = p.vault.TransferFrom(d.Token, op.Sender, p.address, amount)
	}
	p.guard.exit()
	if err != nil {
		p.lifecycle.Abort(userOpHash)
		return nil, ValidationData{}, fmt.Errorf("%w: pull %s of %s from %s: %v",
			ErrTokenTransferFailed, amount.ToBig(), d.Token, op.Sender, err)
	}

	log.Debug("Token payment validated", "userOpHash", userOpHash, "mode", d.Mode, "token", d.Token,
		"price", price.ToBig(), "markup", markup, "precharged", amount.ToBig())
	return opCtx, window, nil
}

// PostOp converts the actual cost into tokens at the price fixed during
// validation and refunds what was pulled in excess.
func (p *TokenPaymaster) PostOp(mode PostOpMode, opCtx []byte, actualGasCost, actualUserOpFeePerGas *big.Int) (*TokenSettlement, error) {
	c, err := DecodeTokenContext(opCtx)
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

	unaccounted, err := mulUint64(p.UnaccountedGas(), fee)
	if err != nil {
		return nil, err
	}
	base, err := addChecked(actual, unaccounted)
	if err != nil {
		return nil, err
	}
	adjusted, err := ApplyMarkup(base, c.PriceMarkup)
	if err != nil {
		return nil, err
	}
	charged, err := TokenAmount(adjusted, c.TokenPrice)
	if err != nil {
		return nil, err
	}
	baseTokens, err := TokenAmount(base, c.TokenPrice)
	if err != nil {
		return nil, err
	}

	if err := p.lifecycle.Settle(c.UserOpHash, opCtx); err != nil {
		return nil, err
	}
	if err := p.guard.enter(); err != nil {
		p.lifecycle.Restore(c.UserOpHash)
		return nil, err
	}
	refunded := new(uint256.Int)
	switch {
	case c.Precharged.Gt(charged):
		refunded.Sub(c.Precharged, charged)
		err = p.vault.Transfer(c.Token, c.Sender, refunded)
	case charged.Gt(c.Precharged):
		err = p.vault.TransferFrom(c.Token, c.Sender, p.address, new(uint256.Int).Sub(charged, c.Precharged))
	}
	p.guard.exit()
	if err != nil {
		p.lifecycle.Restore(c.UserOpHash)
		return nil, fmt.Errorf("%w: settle %s with %s: %v", ErrTokenTransferFailed, c.Token, c.Sender, err)
	}
	p.lifecycle.Complete(c.UserOpHash)

	s := &TokenSettlement{
		Sender:        c.Sender,
		Token:         c.Token,
		TokenPrice:    c.TokenPrice,
		BaseCost:      base,
		Charged:       adjusted,
		TokenCharged:  charged,
		TokenPremium:  Premium(baseTokens, charged),
		TokenRefunded: refunded,
	}
	settlementsCounter.WithLabelValues("token", mode.String()).Inc()
	tokensChargedCounter.WithLabelValues(c.Token.Hex()).Add(weiFloat(charged))
	log.Debug("Token payment settled", "userOpHash", c.UserOpHash, "token", c.Token, "sender", c.Sender,
		"charged", charged.ToBig(), "refunded", refunded.ToBig())

	p.feed.Send(Event{
		Kind:       EventPaidGasInTokens,
		Account:    c.Sender,
		Token:      c.Token,
		Amount:     charged.Clone(),
		Premium:    s.TokenPremium.Clone(),
		UserOpHash: c.UserOpHash,
	})
	if !refunded.IsZero() {
		p.feed.Send(Event{Kind: EventTokensRefunded, Account: c.Sender, Token: c.Token, Amount: refunded.Clone(), UserOpHash: c.UserOpHash})
	}
	return s, nil
}
