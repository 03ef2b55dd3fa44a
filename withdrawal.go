package paymaster

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// WithdrawalRequest is a pending delayed withdrawal of a paymasterId.
type WithdrawalRequest struct {
	To          common.Address
	Amount      *uint256.Int
	RequestedAt time.Time
}

// DelayedWithdrawals makes sponsor withdrawals a two step process so a
// sponsor cannot drain its balance between validation and postOp of an
// operation it funds. A request becomes executable after the delay.
type DelayedWithdrawals struct {
	ledger *Ledger
	delay  time.Duration

	mu       sync.Mutex
	requests map[common.Address]WithdrawalRequest

	now func() time.Time
}

// NewDelayedWithdrawals wraps ledger with a withdrawal delay.
func NewDelayedWithdrawals(ledger *Ledger, delay time.Duration) *DelayedWithdrawals {
	return &DelayedWithdrawals{
		ledger:   ledger,
		delay:    delay,
		requests: make(map[common.Address]WithdrawalRequest),
		now:      time.Now,
	}
}

// Delay returns the wait between a request and its execution.
func (d *DelayedWithdrawals) Delay() time.Duration {
	return d.delay
}

// Submit records a withdrawal request of id, replacing any earlier one.
func (d *DelayedWithdrawals) Submit(id, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: withdrawal destination", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	bal, err := d.ledger.BalanceOf(id)
	if err != nil {
		return err
	}
	if amount.Gt(bal) {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, bal.ToBig(), amount.ToBig())
	}

	d.mu.Lock()
	d.requests[id] = WithdrawalRequest{To: to, Amount: amount.Clone(), RequestedAt: d.now()}
	d.mu.Unlock()

	log.Debug("Withdrawal requested", "paymasterId", id, "to", to, "amount", amount.ToBig())
	d.ledger.emit(Event{Kind: EventWithdrawalRequested, Account: id, Counterparty: to, Amount: amount.Clone()})
	return nil
}

// Pending returns the open request of id.
func (d *DelayedWithdrawals) Pending(id common.Address) (WithdrawalRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.requests[id]
	return req, ok
}

// Execute pays out the request of id once the delay elapsed. The amount is
// capped at the balance at execution time, since sponsored operations may
// have spent part of it meanwhile.
func (d *DelayedWithdrawals) Execute(id common.Address) (*uint256.Int, error) {
	d.mu.Lock()
	req, ok := d.requests[id]
	d.mu.Unlock()
	if !ok {
		return nil, ErrNoWithdrawalRequest
	}
	if due := req.RequestedAt.Add(d.delay); d.now().Before(due) {
		return nil, fmt.Errorf("%w: due at %s", ErrWithdrawalNotDue, due.UTC().Format(time.RFC3339))
	}

	bal, err := d.ledger.BalanceOf(id)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if bal.Lt(amount) {
		amount = bal
	}
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := d.ledger.Withdraw(id, req.To, amount); err != nil {
		return nil, err
	}

	d.mu.Lock()
	delete(d.requests, id)
	d.mu.Unlock()

	d.ledger.emit(Event{Kind: EventWithdrawalExecuted, Account: id, Counterparty: req.To, Amount: amount.Clone()})
	return amount, nil
}

// Cancel drops the open request of id.
func (d *DelayedWithdrawals) Cancel(id common.Address) error {
	d.mu.Lock()
	_, ok := d.requests[id]
	delete(d.requests, id)
	d.mu.Unlock()
	if !ok {
		return ErrNoWithdrawalRequest
	}
	d.ledger.emit(Event{Kind: EventWithdrawalCancelled, Account: id})
	return nil
}
