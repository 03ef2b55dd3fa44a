package paymaster

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Field widths of the paymaster specific data that follows the 52-byte
// paymasterAndData header.
const (
	PaymasterIDSize  = common.AddressLength
	TimestampSize    = 6
	PriceMarkupSize  = 4
	TokenModeSize    = 1
	TokenAddressSize = common.AddressLength
	TokenPriceSize   = 16

	CompactSignatureSize = 64
	SignatureSize        = 65

	// SponsorshipPrefixSize is paymasterId | validUntil | validAfter | priceMarkup.
	SponsorshipPrefixSize = PaymasterIDSize + 2*TimestampSize + PriceMarkupSize
	// ExternalPrefixSize is mode | validUntil | validAfter | token | tokenPrice | priceMarkup.
	ExternalPrefixSize = TokenModeSize + 2*TimestampSize + TokenAddressSize + TokenPriceSize + PriceMarkupSize
	// IndependentDataSize is mode | token.
	IndependentDataSize = TokenModeSize + TokenAddressSize

	maxUint48 = 1<<48 - 1
)

// TokenMode selects how a token paymaster operation is priced.
type TokenMode uint8

const (
	// TokenModeExternal trusts a token price signed off-chain.
	TokenModeExternal TokenMode = iota
	// TokenModeIndependent resolves the price from on-chain oracles.
	TokenModeIndependent
)

func (m TokenMode) String() string {
	switch m {
	case TokenModeExternal:
		return "external"
	case TokenModeIndependent:
		return "independent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// SponsorshipData is the authorization carried by a sponsorship operation.
type SponsorshipData struct {
	PaymasterID common.Address
	ValidUntil  uint64
	ValidAfter  uint64
	PriceMarkup uint32
	Signature   []byte
}

// TokenData is the authorization carried by a token operation. Only Mode
// and Token are set for TokenModeIndependent.
type TokenData struct {
	Mode        TokenMode
	ValidUntil  uint64
	ValidAfter  uint64
	Token       common.Address
	TokenPrice  *big.Int
	PriceMarkup uint32
	Signature   []byte
}

func checkSignatureLength(sig []byte) error {
	if len(sig) != SignatureSize && len(sig) != CompactSignatureSize {
		return fmt.Errorf("%w: %d", ErrInvalidSignatureLength, len(sig))
	}
	return nil
}

func readUint48(b []byte) uint64 {
	var buf [8]byte
	copy(buf[2:], b[:TimestampSize])
	return binary.BigEndian.Uint64(buf[:])
}

func putUint48(dst []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[2:])
}

func checkTimestamps(validUntil, validAfter uint64) error {
	if validUntil > maxUint48 || validAfter > maxUint48 {
		return fmt.Errorf("%w: timestamp exceeds 48 bits", ErrInvalidPaymasterDataLength)
	}
	return nil
}

// paymasterDataOf splits paymasterAndData into header and data, requiring
// the full 52-byte header.
func paymasterDataOf(paymasterAndData []byte) ([]byte, error) {
	if len(paymasterAndData) < PaymasterDataOffset {
		return nil, fmt.Errorf("%w: paymasterAndData is %d bytes, header needs %d",
			ErrPaymasterDataTooShort, len(paymasterAndData), PaymasterDataOffset)
	}
	return paymasterAndData[PaymasterDataOffset:], nil
}

// DecodeSponsorshipData parses the sponsorship data that follows the
// paymasterAndData header.
func DecodeSponsorshipData(data []byte) (*SponsorshipData, error) {
	if len(data) < SponsorshipPrefixSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d",
			ErrPaymasterDataTooShort, len(data), SponsorshipPrefixSize)
	}

	offset := 0
	d := new(SponsorshipData)
	d.PaymasterID = common.BytesToAddress(data[offset : offset+PaymasterIDSize])
	offset += PaymasterIDSize

	d.ValidUntil = readUint48(data[offset:])
	offset += TimestampSize

	d.ValidAfter = readUint48(data[offset:])
	offset += TimestampSize

	d.PriceMarkup = binary.BigEndian.Uint32(data[offset : offset+PriceMarkupSize])
	offset += PriceMarkupSize

	sig := data[offset:]
	if err := checkSignatureLength(sig); err != nil {
		return nil, err
	}
	d.Signature = append([]byte(nil), sig...)
	return d, nil
}

// Encode does the reverse of DecodeSponsorshipData.
func (d *SponsorshipData) Encode() ([]byte, error) {
	if err := checkTimestamps(d.ValidUntil, d.ValidAfter); err != nil {
		return nil, err
	}
	if err := checkSignatureLength(d.Signature); err != nil {
		return nil, err
	}

	out := make([]byte, SponsorshipPrefixSize+len(d.Signature))
	offset := 0
	copy(out[offset:], d.PaymasterID.Bytes())
	offset += PaymasterIDSize

	putUint48(out[offset:], d.ValidUntil)
	offset += TimestampSize

	putUint48(out[offset:], d.ValidAfter)
	offset += TimestampSize

	binary.BigEndian.PutUint32(out[offset:], d.PriceMarkup)
	offset += PriceMarkupSize

	copy(out[offset:], d.Signature)
	return out, nil
}

// DecodeTokenData parses the token paymaster data that follows the
// paymasterAndData header.
func DecodeTokenData(data []byte) (*TokenData, error) {
	if len(data) < TokenModeSize {
		return nil, fmt.Errorf("%w: missing token mode", ErrPaymasterDataTooShort)
	}

	d := &TokenData{Mode: TokenMode(data[0])}
	switch d.Mode {
	case TokenModeIndependent:
		if len(data) < IndependentDataSize {
			return nil, fmt.Errorf("%w: got %d bytes, need %d",
				ErrPaymasterDataTooShort, len(data), IndependentDataSize)
		}
		if len(data) != IndependentDataSize {
			return nil, fmt.Errorf("%w: independent mode expects %d bytes, got %d",
				ErrInvalidPaymasterDataLength, IndependentDataSize, len(data))
		}
		d.Token = common.BytesToAddress(data[TokenModeSize:IndependentDataSize])
		return d, nil

	case TokenModeExternal:
		if len(data) < ExternalPrefixSize {
			return nil, fmt.Errorf("%w: got %d bytes, need at least %d",
				ErrPaymasterDataTooShort, len(data), ExternalPrefixSize)
		}
		offset := TokenModeSize
		d.ValidUntil = readUint48(data[offset:])
		offset += TimestampSize

		d.ValidAfter = readUint48(data[offset:])
		offset += TimestampSize

		d.Token = common.BytesToAddress(data[offset : offset+TokenAddressSize])
		offset += TokenAddressSize

		d.TokenPrice = new(big.Int).SetBytes(data[offset : offset+TokenPriceSize])
		offset += TokenPriceSize

		d.PriceMarkup = binary.BigEndian.Uint32(data[offset : offset+PriceMarkupSize])
		offset += PriceMarkupSize

		sig := data[offset:]
		if err := checkSignatureLength(sig); err != nil {
			return nil, err
		}
		d.Signature = append([]byte(nil), sig...)
		return d, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidTokenMode, data[0])
	}
}

// Encode does the reverse of DecodeTokenData.
func (d *TokenData) Encode() ([]byte, error) {
	switch d.Mode {
	case TokenModeIndependent:
		out := make([]byte, IndependentDataSize)
		out[0] = byte(d.Mode)
		copy(out[TokenModeSize:], d.Token.Bytes())
		return out, nil

	case TokenModeExternal:
		if err := checkTimestamps(d.ValidUntil, d.ValidAfter); err != nil {
			return nil, err
		}
		if err := checkSignatureLength(d.Signature); err != nil {
			return nil, err
		}
		price := d.TokenPrice
		if price == nil {
			price = new(big.Int)
		}
		if price.Sign() < 0 || price.BitLen() > 8*TokenPriceSize {
			return nil, fmt.Errorf("%w: token price does not fit in %d bytes", ErrAmountOverflow, TokenPriceSize)
		}

		out := make([]byte, ExternalPrefixSize+len(d.Signature))
		out[0] = byte(d.Mode)
		offset := TokenModeSize

		putUint48(out[offset:], d.ValidUntil)
		offset += TimestampSize

		putUint48(out[offset:], d.ValidAfter)
		offset += TimestampSize

		copy(out[offset:], d.Token.Bytes())
		offset += TokenAddressSize

		price.FillBytes(out[offset : offset+TokenPriceSize])
		offset += TokenPriceSize

		binary.BigEndian.PutUint32(out[offset:], d.PriceMarkup)
		offset += PriceMarkupSize

		copy(out[offset:], d.Signature)
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidTokenMode, uint8(d.Mode))
	}
}

// PackPaymasterAndData builds the complete paymasterAndData field:
// paymaster(20) | verificationGasLimit(16) | postOpGasLimit(16) | data.
// Gas limits must fit in 128 bits.
func PackPaymasterAndData(paymaster common.Address, verificationGasLimit, postOpGasLimit *big.Int, data []byte) ([]byte, error) {
	vgl, err := uint128Bytes(verificationGasLimit)
	if err != nil {
		return nil, fmt.Errorf("paymaster verification gas limit: %w", err)
	}
	postOp, err := uint128Bytes(postOpGasLimit)
	if err != nil {
		return nil, fmt.Errorf("paymaster postOp gas limit: %w", err)
	}
	out := make([]byte, 0, PaymasterDataOffset+len(data))
	out = append(out, paymaster.Bytes()...)
	out = append(out, vgl...)
	out = append(out, postOp...)
	out = append(out, data...)
	return out, nil
}

func uint128Bytes(v *big.Int) ([]byte, error) {
	v = bigOrZero(v)
	if v.Sign() < 0 || v.BitLen() > 128 {
		return nil, fmt.Errorf("%w: %s does not fit in 128 bits", ErrAmountOverflow, v)
	}
	return common.LeftPadBytes(v.Bytes(), 16), nil
}
