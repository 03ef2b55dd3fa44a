package paymaster

import (
	"math/big"
)

// ValidationData is the validity result handed back to the EntryPoint.
type ValidationData struct {
	SigFailed  bool
	ValidUntil uint64
	ValidAfter uint64
}

// Pack encodes the result the way the EntryPoint expects it:
//
//	sigFailed | validUntil << 160 | validAfter << 208
//
// The low 160 bits carry an aggregator address, 1 meaning signature failure.
func (v ValidationData) Pack() *big.Int {
	packed := new(big.Int)
	if v.SigFailed {
		packed.SetUint64(1)
	}
	packed.Or(packed, new(big.Int).Lsh(new(big.Int).SetUint64(v.ValidUntil&maxUint48), 160))
	packed.Or(packed, new(big.Int).Lsh(new(big.Int).SetUint64(v.ValidAfter&maxUint48), 208))
	return packed
}

// UnpackValidationData is the inverse of Pack. Any non-zero aggregator is
// reported as a signature failure.
func UnpackValidationData(packed *big.Int) ValidationData {
	mask48 := new(big.Int).SetUint64(maxUint48)
	aggregator := new(big.Int).And(packed, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1)))
	return ValidationData{
		SigFailed:  aggregator.Sign() != 0,
		ValidUntil: new(big.Int).And(new(big.Int).Rsh(packed, 160), mask48).Uint64(),
		ValidAfter: new(big.Int).And(new(big.Int).Rsh(packed, 208), mask48).Uint64(),
	}
}

// PostOpMode tells postOp how the operation ended.
type PostOpMode uint8

const (
	// OpSucceeded is a successful user operation.
	OpSucceeded PostOpMode = iota
	// OpReverted is a user operation whose call reverted. Gas is still paid.
	OpReverted
)

func (m PostOpMode) String() string {
	switch m {
	case OpSucceeded:
		return "succeeded"
	case OpReverted:
		return "reverted"
	default:
		return "unknown"
	}
}
