package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DepositSink is the EntryPoint collateral pool the paymaster's gas is paid
// from. Balances are keyed by the depositing contract's address.
type DepositSink interface {
	DepositTo(account common.Address, amount *uint256.Int) error
	WithdrawTo(account, destination common.Address, amount *uint256.Int) error
	BalanceOf(account common.Address) (*uint256.Int, error)
}

// TokenVault moves ERC-20 tokens on behalf of the paymaster.
type TokenVault interface {
	TransferFrom(token, from, to common.Address, amount *uint256.Int) error
	Transfer(token, to common.Address, amount *uint256.Int) error
	BalanceOf(token, account common.Address) (*uint256.Int, error)
}

// CodeReader returns the code deployed at an address. *ethclient.Client
// satisfies it.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// MemoryDepositSink is an in-process DepositSink. Charge models the
// EntryPoint paying a bundler out of a deposit.
type MemoryDepositSink struct {
	mu       sync.RWMutex
	deposits map[common.Address]*uint256.Int
	paid     map[common.Address]*uint256.Int
}

// NewMemoryDepositSink returns an empty sink.
func NewMemoryDepositSink() *MemoryDepositSink {
	return &MemoryDepositSink{
		deposits: make(map[common.Address]*uint256.Int),
		paid:     make(map[common.Address]*uint256.Int),
	}
}

func (s *MemoryDepositSink) balance(account common.Address) *uint256.Int {
	if v, ok := s.deposits[account]; ok {
		return v
	}
	return new(uint256.Int)
}

func (s *MemoryDepositSink) DepositTo(account common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := addChecked(s.balance(account), amount)
	if err != nil {
		return err
	}
	s.deposits[account] = next
	return nil
}

func (s *MemoryDepositSink) WithdrawTo(account, destination common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balance(account)
	if amount.Gt(bal) {
		return fmt.Errorf("%w: deposit %s, requested %s", ErrInsufficientFunds, bal.ToBig(), amount.ToBig())
	}
	s.deposits[account] = new(uint256.Int).Sub(bal, amount)
	paid, err := addChecked(s.paidTo(destination), amount)
	if err != nil {
		return err
	}
	s.paid[destination] = paid
	return nil
}

// Charge deducts gas paid by the EntryPoint from account's deposit.
func (s *MemoryDepositSink) Charge(account common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balance(account)
	if amount.Gt(bal) {
		return fmt.Errorf("%w: deposit %s, charge %s", ErrInsufficientFunds, bal.ToBig(), amount.ToBig())
	}
	s.deposits[account] = new(uint256.Int).Sub(bal, amount)
	return nil
}

func (s *MemoryDepositSink) BalanceOf(account common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(account).Clone(), nil
}

func (s *MemoryDepositSink) paidTo(destination common.Address) *uint256.Int {
	if v, ok := s.paid[destination]; ok {
		return v
	}
	return new(uint256.Int)
}

// Paid returns the total withdrawn to destination.
func (s *MemoryDepositSink) Paid(destination common.Address) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paidTo(destination).Clone()
}

// reentrancyGuard rejects a mutating call while another one, including the
// external call it makes, is still running.
type reentrancyGuard struct {
	entered atomic.Bool
}

func (g *reentrancyGuard) enter() error {
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (g *reentrancyGuard) exit() {
	g.entered.Store(false)
}

// MemoryTokenVault is an in-process TokenVault holding the token balances of
// every account, the paymaster's own included. Allowances are not modelled.
type MemoryTokenVault struct {
	self common.Address

	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*uint256.Int
}

// NewMemoryTokenVault returns an empty vault whose Transfer moves tokens out
// of self.
func NewMemoryTokenVault(self common.Address) *MemoryTokenVault {
	return &MemoryTokenVault{self: self, balances: make(map[common.Address]map[common.Address]*uint256.Int)}
}

func (v *MemoryTokenVault) balance(token, account common.Address) *uint256.Int {
	if b, ok := v.balances[token][account]; ok {
		return b
	}
	return new(uint256.Int)
}

func (v *MemoryTokenVault) set(token, account common.Address, amount *uint256.Int) {
	if v.balances[token] == nil {
		v.balances[token] = make(map[common.Address]*uint256.Int)
	}
	v.balances[token][account] = amount
}

// Mint credits amount of token to account.
func (v *MemoryTokenVault) Mint(token, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := addChecked(v.balance(token, account), amount)
	if err != nil {
		return err
	}
	v.set(token, account, next)
	return nil
}

func (v *MemoryTokenVault) move(token, from, to common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balance(token, from)
	if amount.Gt(bal) {
		return fmt.Errorf("%w: %s holds %s of %s, transfer %s", ErrInsufficientFunds, from, bal.ToBig(), token, amount.ToBig())
	}
	next, err := addChecked(v.balance(token, to), amount)
	if err != nil {
		return err
	}
	v.set(token, from, new(uint256.Int).Sub(bal, amount))
	v.set(token, to, next)
	return nil
}

func (v *MemoryTokenVault) TransferFrom(token, from, to common.Address, amount *uint256.Int) error {
	return v.move(token, from, to, amount)
}

func (v *MemoryTokenVault) Transfer(token, to common.Address, amount *uint256.Int) error {
	return v.move(token, v.self, to, amount)
}

func (v *MemoryTokenVault) BalanceOf(token, account common.Address) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balance(token, account).Clone(), nil
}
