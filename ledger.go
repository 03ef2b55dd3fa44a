package paymaster

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// Totals are process lifetime counters of the ledger. At every observation
// point
//
//	sum(balances) + Reserved == Deposited - Withdrawn - GasSpent
//
// holds for a ledger that started empty.
type Totals struct {
	Deposited *uint256.Int
	Withdrawn *uint256.Int
	GasSpent  *uint256.Int
	Reserved  *uint256.Int
}

func (t Totals) clone() Totals {
	return Totals{
		Deposited: t.Deposited.Clone(),
		Withdrawn: t.Withdrawn.Clone(),
		GasSpent:  t.GasSpent.Clone(),
		Reserved:  t.Reserved.Clone(),
	}
}

// Ledger keeps the per-paymasterId credit balances of a sponsorship
// paymaster and mirrors deposits and withdrawals into the EntryPoint deposit
// held by the paymaster address.
//
// Mutating methods are meant to be driven by one executor at a time, the way
// the EntryPoint runs validation and postOp back to back; a mutating call
// that arrives while another one is still running fails with
// ErrReentrantCall. Read methods are safe for concurrent use.
type Ledger struct {
	self  common.Address
	store Store
	sink  DepositSink
	feed  *event.Feed
	guard reentrancyGuard

	mu     sync.RWMutex
	totals Totals
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithEventFeed makes the ledger publish its events on feed.
func WithEventFeed(feed *event.Feed) LedgerOption {
	return func(l *Ledger) {
		l.feed = feed
	}
}

// NewLedger returns a ledger for the paymaster at self.
func NewLedger(self common.Address, store Store, sink DepositSink, opts ...LedgerOption) (*Ledger, error) {
	if self == (common.Address{}) {
		return nil, fmt.Errorf("%w: paymaster address", ErrZeroAddress)
	}
	if store == nil || sink == nil {
		return nil, fmt.Errorf("ledger needs a store and a deposit sink")
	}
	l := &Ledger{
		self:  self,
		store: store,
		sink:  sink,
		totals: Totals{
			Deposited: new(uint256.Int),
			Withdrawn: new(uint256.Int),
			GasSpent:  new(uint256.Int),
			Reserved:  new(uint256.Int),
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.feed == nil {
		l.feed = new(event.Feed)
	}
	return l, nil
}

// Address returns the paymaster address the ledger deposits for.
func (l *Ledger) Address() common.Address {
	return l.self
}

// SubscribeEvents delivers ledger events to ch.
func (l *Ledger) SubscribeEvents(ch chan<- Event) event.Subscription {
	return l.feed.Subscribe(ch)
}

func (l *Ledger) emit(ev Event) {
	l.feed.Send(ev)
}

// BalanceOf returns the credit balance of id.
func (l *Ledger) BalanceOf(id common.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.Get(id)
}

// Totals returns a copy of the lifetime counters.
func (l *Ledger) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals.clone()
}

// Sum returns the sum of all balances.
func (l *Ledger) Sum() (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := new(uint256.Int)
	var sumErr error
	err := l.store.Iterate(func(e Entry) bool {
		if _, overflow := sum.AddOverflow(sum, e.Balance); overflow {
			sumErr = ErrBalanceOverflow
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return sum, sumErr
}

// CheckSolvency verifies that the balances owed to sponsors are covered by
// the paymaster's EntryPoint deposit.
func (l *Ledger) CheckSolvency() error {
	sum, err := l.Sum()
	if err != nil {
		return err
	}
	deposit, err := l.sink.BalanceOf(l.self)
	if err != nil {
		return fmt.Errorf("read entry point deposit: %w", err)
	}
	if sum.Gt(deposit) {
		return fmt.Errorf("%w: ledger owes %s, entry point holds %s",
			ErrInsufficientFunds, sum.ToBig(), deposit.ToBig())
	}
	return nil
}

// Deposit credits amount to id and forwards it to the EntryPoint deposit. A
// failed forward leaves the balance untouched.
func (l *Ledger) Deposit(id common.Address, amount *uint256.Int) error {
	if err := l.guard.enter(); err != nil {
		return err
	}
	defer l.guard.exit()

	if id == (common.Address{}) {
		return fmt.Errorf("%w: paymasterId", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	prev, err := l.store.Get(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	next, err := addChecked(prev, amount)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	deposited, err := addChecked(l.totals.Deposited, amount)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.store.Write(Entry{ID: id, Balance: next}); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	if err := l.sink.DepositTo(l.self, amount); err != nil {
		log.Warn("Deposit forward failed, rolling back", "paymasterId", id, "amount", amount.ToBig(), "err", err)
		if rbErr := l.restore(Entry{ID: id, Balance: prev}); rbErr != nil {
			return fmt.Errorf("%w: %v (rollback: %v)", ErrDepositFailed, err, rbErr)
		}
		return fmt.Errorf("%w: %v", ErrDepositFailed, err)
	}

	l.mu.Lock()
	l.totals.Deposited = deposited
	l.mu.Unlock()

	depositsCounter.Add(weiFloat(amount))
	log.Debug("Deposited", "paymasterId", id, "amount", amount.ToBig(), "balance", next.ToBig())
	l.emit(Event{Kind: EventDeposited, Account: id, Amount: amount.Clone()})
	return nil
}

// Withdraw debits amount from id and has the EntryPoint pay it out to to. A
// failed payout re-credits the balance.
func (l *Ledger) Withdraw(id, to common.Address, amount *uint256.Int) error {
	if err := l.guard.enter(); err != nil {
		return err
	}
	defer l.guard.exit()

	if to == (common.Address{}) {
		return fmt.Errorf("%w: withdrawal destination", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return l.withdraw(id, to, amount)
}

// withdraw expects the guard to be held.
func (l *Ledger) withdraw(id, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	prev, err := l.store.Get(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if amount.Gt(prev) {
		l.mu.Unlock()
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, prev.ToBig(), amount.ToBig())
	}
	next := new(uint256.Int).Sub(prev, amount)
	withdrawn, err := addChecked(l.totals.Withdrawn, amount)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.store.Write(Entry{ID: id, Balance: next}); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	if err := l.sink.WithdrawTo(l.self, to, amount); err != nil {
		log.Warn("Withdrawal payout failed, rolling back", "paymasterId", id, "to", to, "amount", amount.ToBig(), "err", err)
		if rbErr := l.restore(Entry{ID: id, Balance: prev}); rbErr != nil {
			return fmt.Errorf("%w: %v (rollback: %v)", ErrWithdrawalFailed, err, rbErr)
		}
		return fmt.Errorf("%w: %v", ErrWithdrawalFailed, err)
	}

	l.mu.Lock()
	l.totals.Withdrawn = withdrawn
	l.mu.Unlock()

	withdrawalsCounter.Add(weiFloat(amount))
	log.Debug("Withdrawn", "paymasterId", id, "to", to, "amount", amount.ToBig(), "balance", next.ToBig())
	l.emit(Event{Kind: EventWithdrawn, Account: id, Counterparty: to, Amount: amount.Clone()})
	return nil
}

func (l *Ledger) restore(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Write(e)
}

// Precharge reserves maxCost with markup applied from id's balance and
// returns the reserved amount. Nothing is debited when the balance does not
// cover it.
func (l *Ledger) Precharge(id common.Address, maxCost *uint256.Int, markup uint32) (*uint256.Int, error) {
	if err := l.guard.enter(); err != nil {
		return nil, err
	}
	defer l.guard.exit()

	if err := DefaultMarkupBounds().Validate(markup); err != nil {
		return nil, err
	}
	effective, err := ApplyMarkup(maxCost, markup)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.store.Get(id)
	if err != nil {
		return nil, err
	}
	if effective.Gt(bal) {
		return nil, fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientFundsForPaymasterID, id, bal.ToBig(), effective.ToBig())
	}
	reserved, err := addChecked(l.totals.Reserved, effective)
	if err != nil {
		return nil, err
	}
	if err := l.store.Write(Entry{ID: id, Balance: new(uint256.Int).Sub(bal, effective)}); err != nil {
		return nil, err
	}
	l.totals.Reserved = reserved
	reservedGauge.Set(weiFloat(reserved))
	return effective, nil
}

// SettleParams describes one postOp reconciliation.
type SettleParams struct {
	PaymasterID     common.Address
	FeeCollector    common.Address
	PriceMarkup     uint32
	Precharged      *uint256.Int
	ActualGasCost   *uint256.Int
	UnaccountedGas  uint64
	ActualFeePerGas *uint256.Int
	UserOpHash      common.Hash
}

// Settlement is the outcome of a reconciliation. Charged is what the
// paymasterId paid in total, BaseCost the gas it covered and Premium the
// part credited to the fee collector.
type Settlement struct {
	PaymasterID common.Address
	BaseCost    *uint256.Int
	Charged     *uint256.Int
	Premium     *uint256.Int
	Refunded    *uint256.Int
}

// Settle reconciles a precharge against the actual cost:
//
//	base     = actualGasCost + unaccountedGas * actualFeePerGas
//	adjusted = base * markup / 1e6
//
// The difference between the reservation and adjusted is refunded to, or
// collected from, the paymasterId, and adjusted - base is credited to the fee
// collector. The current stored balances are read, never a snapshot taken at
// validation.
func (l *Ledger) Settle(p SettleParams) (*Settlement, error) {
	if err := l.guard.enter(); err != nil {
		return nil, err
	}
	defer l.guard.exit()

	if err := DefaultMarkupBounds().Validate(p.PriceMarkup); err != nil {
		return nil, err
	}
	precharged := p.Precharged
	if precharged == nil {
		precharged = new(uint256.Int)
	}
	unaccounted, err := mulUint64(p.UnaccountedGas, orZero(p.ActualFeePerGas))
	if err != nil {
		return nil, err
	}
	base, err := addChecked(orZero(p.ActualGasCost), unaccounted)
	if err != nil {
		return nil, err
	}
	adjusted, err := ApplyMarkup(base, p.PriceMarkup)
	if err != nil {
		return nil, err
	}
	premium := Premium(base, adjusted)
	if !premium.IsZero() && p.FeeCollector == (common.Address{}) {
		return nil, fmt.Errorf("%w: fee collector", ErrZeroAddress)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.store.Get(p.PaymasterID)
	if err != nil {
		return nil, err
	}
	refunded := new(uint256.Int)
	if !precharged.Lt(adjusted) {
		refunded.Sub(precharged, adjusted)
		if bal, err = addChecked(bal, refunded); err != nil {
			return nil, err
		}
	} else {
		shortfall := new(uint256.Int).Sub(adjusted, precharged)
		if shortfall.Gt(bal) {
			return nil, fmt.Errorf("%w: %s has %s, settlement needs %s more",
				ErrInsufficientFundsForPaymasterID, p.PaymasterID, bal.ToBig(), shortfall.ToBig())
		}
		bal = new(uint256.Int).Sub(bal, shortfall)
	}

	entries := []Entry{{ID: p.PaymasterID, Balance: bal}}
	if !premium.IsZero() {
		if p.FeeCollector == p.PaymasterID {
			if entries[0].Balance, err = addChecked(bal, premium); err != nil {
				return nil, err
			}
		} else {
			fc, err := l.store.Get(p.FeeCollector)
			if err != nil {
				return nil, err
			}
			if fc, err = addChecked(fc, premium); err != nil {
				return nil, err
			}
			entries = append(entries, Entry{ID: p.FeeCollector, Balance: fc})
		}
	}

	gasSpent, err := addChecked(l.totals.GasSpent, base)
	if err != nil {
		return nil, err
	}
	if err := l.store.Write(entries...); err != nil {
		return nil, err
	}

	// a reservation made by an earlier process is not in the counters
	if precharged.Gt(l.totals.Reserved) {
		l.totals.Reserved = new(uint256.Int)
	} else {
		l.totals.Reserved = new(uint256.Int).Sub(l.totals.Reserved, precharged)
	}
	l.totals.GasSpent = gasSpent
	reservedGauge.Set(weiFloat(l.totals.Reserved))
	gasSpentCounter.Add(weiFloat(base))
	premiumCounter.Add(weiFloat(premium))

	s := &Settlement{
		PaymasterID: p.PaymasterID,
		BaseCost:    base,
		Charged:     adjusted,
		Premium:     premium,
		Refunded:    refunded,
	}
	log.Debug("Settled sponsored operation", "userOpHash", p.UserOpHash, "paymasterId", p.PaymasterID,
		"charged", adjusted.ToBig(), "premium", premium.ToBig(), "refunded", refunded.ToBig())

	l.emit(Event{
		Kind:       EventGasBalanceDeducted,
		Account:    p.PaymasterID,
		Amount:     adjusted.Clone(),
		Premium:    premium.Clone(),
		UserOpHash: p.UserOpHash,
	})
	if !premium.IsZero() {
		l.emit(Event{Kind: EventPremiumCollected, Account: p.FeeCollector, Amount: premium.Clone(), UserOpHash: p.UserOpHash})
	}
	return s, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
