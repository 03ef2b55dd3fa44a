package paymaster

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	wordSize = 32

	// SponsorshipContextSize is paymasterId | priceMarkup | precharged | userOpHash.
	SponsorshipContextSize = PaymasterIDSize + PriceMarkupSize + wordSize + common.HashLength
	// TokenContextSize is mode | token | sender | tokenPrice | priceMarkup | precharged | userOpHash.
	TokenContextSize = TokenModeSize + TokenAddressSize + common.AddressLength + wordSize + PriceMarkupSize + wordSize + common.HashLength
)

// SponsorshipContext is what a sponsorship validation hands to its postOp.
type SponsorshipContext struct {
	PaymasterID common.Address
	PriceMarkup uint32
	Precharged  *uint256.Int
	UserOpHash  common.Hash
}

// Encode packs the context into the opaque EntryPoint context bytes.
func (c *SponsorshipContext) Encode() []byte {
	out := make([]byte, SponsorshipContextSize)
	offset := 0
	copy(out[offset:], c.PaymasterID.Bytes())
	offset += PaymasterIDSize

	binary.BigEndian.PutUint32(out[offset:], c.PriceMarkup)
	offset += PriceMarkupSize

	word := orZero(c.Precharged).Bytes32()
	copy(out[offset:], word[:])
	offset += wordSize

	copy(out[offset:], c.UserOpHash.Bytes())
	return out
}

// DecodeSponsorshipContext parses a context produced by
// SponsorshipContext.Encode.
func DecodeSponsorshipContext(b []byte) (*SponsorshipContext, error) {
	if len(b) != SponsorshipContextSize {
		return nil, fmt.Errorf("%w: sponsorship context is %d bytes, want %d",
			ErrInvalidContext, len(b), SponsorshipContextSize)
	}
	offset := 0
	c := new(SponsorshipContext)
	c.PaymasterID = common.BytesToAddress(b[offset : offset+PaymasterIDSize])
	offset += PaymasterIDSize

	c.PriceMarkup = binary.BigEndian.Uint32(b[offset : offset+PriceMarkupSize])
	if err := DefaultMarkupBounds().Validate(c.PriceMarkup); err != nil {
		return nil, fmt.Errorf("%w: price markup %d", ErrInvalidContext, c.PriceMarkup)
	}
	offset += PriceMarkupSize

	c.Precharged = new(uint256.Int).SetBytes(b[offset : offset+wordSize])
	offset += wordSize

	c.UserOpHash = common.BytesToHash(b[offset : offset+common.HashLength])
	return c, nil
}

// TokenContext is what a token validation hands to its postOp. Precharged
// is in token base units.
type TokenContext struct {
	Mode        TokenMode
	Token       common.Address
	Sender      common.Address
	TokenPrice  *uint256.Int
	PriceMarkup uint32
	Precharged  *uint256.Int
	UserOpHash  common.Hash
}

// Encode packs the context into the opaque EntryPoint context bytes.
func (c *TokenContext) Encode() []byte {
	out := make([]byte, TokenContextSize)
	out[0] = byte(c.Mode)
	offset := TokenModeSize

	copy(out[offset:], c.Token.Bytes())
	offset += TokenAddressSize

	copy(out[offset:], c.Sender.Bytes())
	offset += common.AddressLength

	price := orZero(c.TokenPrice).Bytes32()
	copy(out[offset:], price[:])
	offset += wordSize

	binary.BigEndian.PutUint32(out[offset:], c.PriceMarkup)
	offset += PriceMarkupSize

	precharged := orZero(c.Precharged).Bytes32()
	copy(out[offset:], precharged[:])
	offset += wordSize

	copy(out[offset:], c.UserOpHash.Bytes())
	return out
}

// DecodeTokenContext parses a context produced by TokenContext.Encode.
func DecodeTokenContext(b []byte) (*TokenContext, error) {
	if len(b) != TokenContextSize {
		return nil, fmt.Errorf("%w: token context is %d bytes, want %d",
			ErrInvalidContext, len(b), TokenContextSize)
	}
	c := &TokenContext{Mode: TokenMode(b[0])}
	if c.Mode != TokenModeExternal && c.Mode != TokenModeIndependent {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTokenMode, b[0])
	}
	offset := TokenModeSize

	c.Token = common.BytesToAddress(b[offset : offset+TokenAddressSize])
	offset += TokenAddressSize

	c.Sender = common.BytesToAddress(b[offset : offset+common.AddressLength])
	offset += common.AddressLength

	c.TokenPrice = new(uint256.Int).SetBytes(b[offset : offset+wordSize])
	offset += wordSize

	c.PriceMarkup = binary.BigEndian.Uint32(b[offset : offset+PriceMarkupSize])
	if err := DefaultMarkupBounds().Validate(c.PriceMarkup); err != nil {
		return nil, fmt.Errorf("%w: price markup %d", ErrInvalidContext, c.PriceMarkup)
	}
	offset += PriceMarkupSize

	c.Precharged = new(uint256.Int).SetBytes(b[offset : offset+wordSize])
	offset += wordSize

	c.UserOpHash = common.BytesToHash(b[offset : offset+common.HashLength])
	return c, nil
}
