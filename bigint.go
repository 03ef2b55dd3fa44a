package paymaster

import (
	"math/big"

	"github.com/holiman/uint256"
)

// ToUint256 converts a non-negative *big.Int to a 256-bit unsigned integer.
// A nil input is read as zero.
func ToUint256(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	if b.Sign() < 0 {
		return nil, ErrAmountOverflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// FromUint256 converts a 256-bit unsigned integer to a *big.Int. A nil input
// is read as zero.
func FromUint256(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// mulUint64 returns a*b, failing instead of wrapping past 256 bits.
func mulUint64(a uint64, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), b)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

func addChecked(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}
