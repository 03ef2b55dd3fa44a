package paymaster

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// MaxUnaccountedGas caps the postOp overhead a paymaster may bill on top of
// the gas reported by the EntryPoint.
const MaxUnaccountedGas = 100_000

// GovernanceParams are the owner-controlled settings of a paymaster.
type GovernanceParams struct {
	Owner           common.Address
	VerifyingSigner common.Address
	FeeCollector    common.Address
	UnaccountedGas  uint64
	MarkupBounds    MarkupBounds
}

// Governance holds the owner-controlled settings shared by both paymasters.
// Every setter is owner-only and publishes a before/after event.
type Governance struct {
	mu     sync.RWMutex
	params GovernanceParams

	code CodeReader
	feed *event.Feed
}

func newGovernance(ctx context.Context, p GovernanceParams, code CodeReader, feed *event.Feed) (*Governance, error) {
	if p.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner", ErrZeroAddress)
	}
	if p.FeeCollector == (common.Address{}) {
		return nil, fmt.Errorf("%w: fee collector", ErrZeroAddress)
	}
	if p.UnaccountedGas > MaxUnaccountedGas {
		return nil, ErrUnaccountedGasTooHigh
	}
	if p.MarkupBounds == (MarkupBounds{}) {
		p.MarkupBounds = DefaultMarkupBounds()
	}
	if err := p.MarkupBounds.Check(); err != nil {
		return nil, err
	}
	g := &Governance{params: p, code: code, feed: feed}
	if err := g.checkSigner(ctx, p.VerifyingSigner); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Governance) checkSigner(ctx context.Context, signer common.Address) error {
	if signer == (common.Address{}) {
		return fmt.Errorf("%w: verifying signer", ErrZeroAddress)
	}
	if g.code == nil {
		return nil
	}
	code, err := g.code.CodeAt(ctx, signer, nil)
	if err != nil {
		return fmt.Errorf("read code of signer %s: %w", signer, err)
	}
	if len(code) > 0 {
		return fmt.Errorf("%w: %s", ErrSignerIsContract, signer)
	}
	return nil
}

func (g *Governance) onlyOwner(caller common.Address) error {
	if caller != g.Owner() {
		return fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller)
	}
	return nil
}

// Params returns a copy of the current settings.
func (g *Governance) Params() GovernanceParams {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params
}

func (g *Governance) Owner() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.Owner
}

func (g *Governance) VerifyingSigner() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.VerifyingSigner
}

func (g *Governance) FeeCollector() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.FeeCollector
}

func (g *Governance) UnaccountedGas() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.UnaccountedGas
}

func (g *Governance) MarkupBounds() MarkupBounds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.MarkupBounds
}

// TransferOwnership hands the owner role to newOwner.
func (g *Governance) TransferOwnership(caller, newOwner common.Address) error {
	if err := g.onlyOwner(caller); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: new owner", ErrZeroAddress)
	}
	g.mu.Lock()
	prev := g.params.Owner
	g.params.Owner = newOwner
	g.mu.Unlock()

	log.Info("Ownership transferred", "previous", prev, "current", newOwner)
	g.feed.Send(Event{Kind: EventOwnershipTransferred, Previous: prev, Current: newOwner})
	return nil
}

// SetVerifyingSigner replaces the off-chain signer. Contracts cannot sign
// and are rejected.
func (g *Governance) SetVerifyingSigner(ctx context.Context, caller, signer common.Address) error {
	if err := g.onlyOwner(caller); err != nil {
		return err
	}
	if err := g.checkSigner(ctx, signer); err != nil {
		return err
	}
	g.mu.Lock()
	prev := g.params.VerifyingSigner
	g.params.VerifyingSigner = signer
	g.mu.Unlock()

	log.Info("Verifying signer changed", "previous", prev, "current", signer, "owner", caller)
	g.feed.Send(Event{Kind: EventSignerChanged, Account: caller, Previous: prev, Current: signer})
	return nil
}

// SetFeeCollector changes the identity premiums are credited to.
func (g *Governance) SetFeeCollector(caller, feeCollector common.Address) error {
	if err := g.onlyOwner(caller); err != nil {
		return err
	}
	if feeCollector == (common.Address{}) {
		return fmt.Errorf("%w: fee collector", ErrZeroAddress)
	}
	g.mu.Lock()
	prev := g.params.FeeCollector
	g.params.FeeCollector = feeCollector
	g.mu.Unlock()

	log.Info("Fee collector changed", "previous", prev, "current", feeCollector, "owner", caller)
	g.feed.Send(Event{Kind: EventFeeCollectorChanged, Account: caller, Previous: prev, Current: feeCollector})
	return nil
}

// SetUnaccountedGas changes the postOp overhead billed per operation.
func (g *Governance) SetUnaccountedGas(caller common.Address, gas uint64) error {
	if err := g.onlyOwner(caller); err != nil {
		return err
	}
	if gas > MaxUnaccountedGas {
		return fmt.Errorf("%w: %d > %d", ErrUnaccountedGasTooHigh, gas, MaxUnaccountedGas)
	}
	g.mu.Lock()
	prev := g.params.UnaccountedGas
	g.params.UnaccountedGas = gas
	g.mu.Unlock()

	log.Info("Unaccounted gas changed", "previous", prev, "current", gas)
	g.feed.Send(Event{Kind: EventUnaccountedGasChanged, Account: caller, OldValue: prev, NewValue: gas})
	return nil
}

// SetMarkupBounds narrows or widens the accepted price markups within the
// absolute [1x, 2x] range.
func (g *Governance) SetMarkupBounds(caller common.Address, bounds MarkupBounds) error {
	if err := g.onlyOwner(caller); err != nil {
		return err
	}
	if err := bounds.Check(); err != nil {
		return err
	}
	g.mu.Lock()
	prev := g.params.MarkupBounds
	g.params.MarkupBounds = bounds
	g.mu.Unlock()

	log.Info("Markup bounds changed", "previous", prev, "current", bounds)
	g.feed.Send(Event{Kind: EventMarkupBoundsChanged, Account: caller, PreviousBounds: prev, CurrentBounds: bounds})
	return nil
}
