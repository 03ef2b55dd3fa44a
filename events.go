package paymaster

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind names an auditable state change.
type EventKind string

const (
	EventDeposited             EventKind = "Deposited"
	EventWithdrawn             EventKind = "Withdrawn"
	EventGasBalanceDeducted    EventKind = "GasBalanceDeducted"
	EventPremiumCollected      EventKind = "PremiumCollected"
	EventSignerChanged         EventKind = "SignerChanged"
	EventFeeCollectorChanged   EventKind = "FeeCollectorChanged"
	EventUnaccountedGasChanged EventKind = "UnaccountedGasChanged"
	EventMarkupBoundsChanged   EventKind = "MarkupBoundsChanged"
	EventOwnershipTransferred  EventKind = "OwnershipTransferred"
	EventReceived              EventKind = "Received"
	EventTokensWithdrawn       EventKind = "TokensWithdrawn"
	EventTokenOracleChanged    EventKind = "TokenOracleChanged"
	EventPriceMarkupChanged    EventKind = "PriceMarkupChanged"
	EventOracleMaxAgeChanged   EventKind = "OracleMaxAgeChanged"
	EventPaidGasInTokens       EventKind = "PaidGasInTokens"
	EventTokensRefunded        EventKind = "TokensRefunded"
	EventWithdrawalRequested   EventKind = "WithdrawalRequested"
	EventWithdrawalExecuted    EventKind = "WithdrawalExecuted"
	EventWithdrawalCancelled   EventKind = "WithdrawalCancelled"
)

// Event is delivered to subscribers of a paymaster's event feed. Which
// fields are set depends on Kind:
//
//   - balance events carry Account (the ledger identity) and Amount;
//     Withdrawn and WithdrawalRequested add Counterparty (destination)
//   - GasBalanceDeducted carries Account, Amount (charged), Premium and
//     UserOpHash; PremiumCollected carries Account (fee collector) and Amount
//   - address changes carry Previous and Current
//   - numeric changes carry OldValue and NewValue, markup bound changes
//     carry PreviousBounds and CurrentBounds
//   - token events carry Token, Account (payer or recipient) and Amount
type Event struct {
	Kind         EventKind
	Account      common.Address
	Counterparty common.Address
	Token        common.Address
	Amount       *uint256.Int
	Premium      *uint256.Int
	Previous     common.Address
	Current      common.Address
	OldValue     uint64
	NewValue     uint64
	UserOpHash   common.Hash

	PreviousBounds MarkupBounds
	CurrentBounds  MarkupBounds
}
