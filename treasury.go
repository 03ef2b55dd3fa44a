package paymaster

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// Treasury sweeps ERC-20 tokens held by the paymaster address. Sweeps are
// owner-only.
type Treasury struct {
	self  common.Address
	gov   *Governance
	vault TokenVault
	feed  *event.Feed
	guard *reentrancyGuard
}

func newTreasury(self common.Address, gov *Governance, vault TokenVault, feed *event.Feed, guard *reentrancyGuard) *Treasury {
	return &Treasury{self: self, gov: gov, vault: vault, feed: feed, guard: guard}
}

// Receive records native currency sent to the paymaster outside of a
// deposit.
func (t *Treasury) Receive(from common.Address, amount *uint256.Int) {
	log.Debug("Received native currency", "from", from, "amount", orZero(amount).ToBig())
	t.feed.Send(Event{Kind: EventReceived, Account: from, Amount: orZero(amount).Clone()})
}

// WithdrawERC20 sends amount of token held by the paymaster to to.
func (t *Treasury) WithdrawERC20(caller, token, to common.Address, amount *uint256.Int) error {
	if err := t.prepare(caller, to); err != nil {
		return err
	}
	if err := t.guard.enter(); err != nil {
		return err
	}
	defer t.guard.exit()
	return t.transfer(token, to, amount)
}

// WithdrawERC20Full sends the whole balance of token to to.
func (t *Treasury) WithdrawERC20Full(caller, token, to common.Address) (*uint256.Int, error) {
	if err := t.prepare(caller, to); err != nil {
		return nil, err
	}
	if err := t.guard.enter(); err != nil {
		return nil, err
	}
	defer t.guard.exit()
	return t.transferFull(token, to)
}

// WithdrawMultipleERC20 sends amounts[i] of tokens[i] to to. It stops at the
// first failed transfer.
func (t *Treasury) WithdrawMultipleERC20(caller common.Address, tokens []common.Address, to common.Address, amounts []*uint256.Int) error {
	if err := t.prepare(caller, to); err != nil {
		return err
	}
	if len(tokens) != len(amounts) {
		return fmt.Errorf("%w: %d tokens, %d amounts", ErrLengthMismatch, len(tokens), len(amounts))
	}
	if err := t.guard.enter(); err != nil {
		return err
	}
	defer t.guard.exit()
	for i, token := range tokens {
		if err := t.transfer(token, to, amounts[i]); err != nil {
			return err
		}
	}
	return nil
}

// WithdrawMultipleERC20Full sends the whole balance of each token to to and
// returns the amounts sent.
func (t *Treasury) WithdrawMultipleERC20Full(caller common.Address, tokens []common.Address, to common.Address) ([]*uint256.Int, error) {
	if err := t.prepare(caller, to); err != nil {
		return nil, err
	}
	if err := t.guard.enter(); err != nil {
		return nil, err
	}
	defer t.guard.exit()
	sent := make([]*uint256.Int, 0, len(tokens))
	for _, token := range tokens {
		amount, err := t.transferFull(token, to)
		if err != nil {
			return sent, err
		}
		sent = append(sent, amount)
	}
	return sent, nil
}

func (t *Treasury) prepare(caller, to common.Address) error {
	if err := t.gov.onlyOwner(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: token destination", ErrZeroAddress)
	}
	if t.vault == nil {
		return fmt.Errorf("%w: no token vault configured", ErrTokenTransferFailed)
	}
	return nil
}

func (t *Treasury) transferFull(token, to common.Address) (*uint256.Int, error) {
	bal, err := t.vault.BalanceOf(token, t.self)
	if err != nil {
		return nil, fmt.Errorf("read %s balance: %w", token, err)
	}
	if bal.IsZero() {
		return bal, nil
	}
	if err := t.transfer(token, to, bal); err != nil {
		return nil, err
	}
	return bal, nil
}

func (t *Treasury) transfer(token, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := t.vault.Transfer(token, to, amount); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrTokenTransferFailed, token, to, err)
	}
	log.Info("Tokens withdrawn", "token", token, "to", to, "amount", amount.ToBig())
	t.feed.Send(Event{Kind: EventTokensWithdrawn, Token: token, Account: to, Amount: amount.Clone()})
	return nil
}
