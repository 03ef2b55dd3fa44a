package paymaster

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// opHashArguments are the user operation fields every authorization hash
// starts with. The paymaster signature is never part of them.
var opHashArguments = abi.Arguments{
	{Name: "sender", Type: abiAddress},
	{Name: "nonce", Type: abiUint256},
	{Name: "hashInitCode", Type: abiBytes32},
	{Name: "hashCallData", Type: abiBytes32},
	{Name: "accountGasLimits", Type: abiBytes32},
	{Name: "paymasterGasLimits", Type: abiUint256},
	{Name: "preVerificationGas", Type: abiUint256},
	{Name: "gasFees", Type: abiBytes32},
	{Name: "chainId", Type: abiUint256},
	{Name: "paymaster", Type: abiAddress},
}

func opHashValues(op *PackedUserOperation, paymaster common.Address, chainID *big.Int) []interface{} {
	return []interface{}{
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits,
		op.paymasterGasWord(),
		bigOrZero(op.PreVerificationGas),
		op.GasFees,
		bigOrZero(chainID),
		paymaster,
	}
}

var sponsorshipHashArguments = append(append(abi.Arguments{}, opHashArguments...),
	abi.Argument{Name: "paymasterId", Type: abiAddress},
	abi.Argument{Name: "validUntil", Type: abiUint48},
	abi.Argument{Name: "validAfter", Type: abiUint48},
	abi.Argument{Name: "priceMarkup", Type: abiUint32},
)

var tokenHashArguments = append(append(abi.Arguments{}, opHashArguments...),
	abi.Argument{Name: "mode", Type: abiUint8},
	abi.Argument{Name: "validUntil", Type: abiUint48},
	abi.Argument{Name: "validAfter", Type: abiUint48},
	abi.Argument{Name: "tokenAddress", Type: abiAddress},
	abi.Argument{Name: "tokenPrice", Type: abiUint128},
	abi.Argument{Name: "externalPriceMarkup", Type: abiUint32},
)

// SponsorshipHash returns the hash the verifying signer signs to authorize a
// sponsorship operation. It covers the operation, the chain, the paymaster
// and every sponsorship parameter except the signature itself.
func SponsorshipHash(op *PackedUserOperation, paymaster common.Address, chainID *big.Int, d *SponsorshipData) (common.Hash, error) {
	if err := checkTimestamps(d.ValidUntil, d.ValidAfter); err != nil {
		return common.Hash{}, err
	}
	values := append(opHashValues(op, paymaster, chainID),
		d.PaymasterID,
		new(big.Int).SetUint64(d.ValidUntil),
		new(big.Int).SetUint64(d.ValidAfter),
		d.PriceMarkup,
	)
	packed, err := sponsorshipHashArguments.Pack(values...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack sponsorship hash: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// TokenHash returns the hash the verifying signer signs to authorize an
// externally priced token operation.
func TokenHash(op *PackedUserOperation, paymaster common.Address, chainID *big.Int, d *TokenData) (common.Hash, error) {
	if err := checkTimestamps(d.ValidUntil, d.ValidAfter); err != nil {
		return common.Hash{}, err
	}
	price := bigOrZero(d.TokenPrice)
	if price.Sign() < 0 || price.BitLen() > 8*TokenPriceSize {
		return common.Hash{}, fmt.Errorf("%w: token price does not fit in %d bytes", ErrAmountOverflow, TokenPriceSize)
	}
	values := append(opHashValues(op, paymaster, chainID),
		uint8(d.Mode),
		new(big.Int).SetUint64(d.ValidUntil),
		new(big.Int).SetUint64(d.ValidAfter),
		d.Token,
		price,
		d.PriceMarkup,
	)
	packed, err := tokenHashArguments.Pack(values...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack token hash: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Verifier checks that a signature over hash was produced by signer.
// Implementations return false on any failure instead of an error so that
// callers can report a soft signature failure.
type Verifier interface {
	Verify(hash common.Hash, signature []byte, signer common.Address) bool
}

// ECDSAVerifier verifies secp256k1 signatures over the EIP-191 personal
// message wrapping of the hash.
type ECDSAVerifier struct{}

// Verify implements Verifier.
func (ECDSAVerifier) Verify(hash common.Hash, signature []byte, signer common.Address) bool {
	recovered, err := RecoverSigner(hash, signature)
	if err != nil {
		return false
	}
	return recovered == signer
}

// RecoverSigner returns the address that signed the EIP-191 wrapped hash.
// Both 65-byte r|s|v and 64-byte EIP-2098 r|vs signatures are accepted.
func RecoverSigner(hash common.Hash, signature []byte) (common.Address, error) {
	sig, err := normalizeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// normalizeSignature returns a copy in the r|s|v form with v in {0, 1}.
func normalizeSignature(signature []byte) ([]byte, error) {
	switch len(signature) {
	case SignatureSize:
		sig := append([]byte(nil), signature...)
		if sig[64] >= 27 {
			sig[64] -= 27
		}
		if sig[64] > 1 {
			return nil, fmt.Errorf("invalid recovery id %d", signature[64])
		}
		return sig, nil
	case CompactSignatureSize:
		sig := make([]byte, SignatureSize)
		copy(sig, signature)
		// the top bit of vs carries the recovery id
		sig[64] = sig[32] >> 7
		sig[32] &= 0x7f
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSignatureLength, len(signature))
	}
}

// Signer produces paymaster authorizations off-chain on behalf of the
// verifying signer.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps a secp256k1 private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewSignerFromHex parses a hex encoded private key, with or without 0x.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignHash signs the EIP-191 wrapped hash and returns r|s|v with v in
// {27, 28}.
func (s *Signer) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignSponsorship signs d for op and returns the complete paymasterAndData.
// The paymaster gas limits of op.PaymasterAndData are ignored; the ones given
// here are written into the header and covered by the signature.
func (s *Signer) SignSponsorship(op *PackedUserOperation, paymaster common.Address, chainID *big.Int,
	verificationGasLimit, postOpGasLimit *big.Int, d SponsorshipData) ([]byte, error) {
	unsigned := *op
	header, err := PackPaymasterAndData(paymaster, verificationGasLimit, postOpGasLimit, nil)
	if err != nil {
		return nil, err
	}
	unsigned.PaymasterAndData = header

	hash, err := SponsorshipHash(&unsigned, paymaster, chainID, &d)
	if err != nil {
		return nil, err
	}
	if d.Signature, err = s.SignHash(hash); err != nil {
		return nil, err
	}
	data, err := d.Encode()
	if err != nil {
		return nil, err
	}
	return PackPaymasterAndData(paymaster, verificationGasLimit, postOpGasLimit, data)
}

// SignToken signs externally priced token data for op and returns the
// complete paymasterAndData.
func (s *Signer) SignToken(op *PackedUserOperation, paymaster common.Address, chainID *big.Int,
	verificationGasLimit, postOpGasLimit *big.Int, d TokenData) ([]byte, error) {
	d.Mode = TokenModeExternal
	unsigned := *op
	header, err := PackPaymasterAndData(paymaster, verificationGasLimit, postOpGasLimit, nil)
	if err != nil {
		return nil, err
	}
	unsigned.PaymasterAndData = header

	hash, err := TokenHash(&unsigned, paymaster, chainID, &d)
	if err != nil {
		return nil, err
	}
	if d.Signature, err = s.SignHash(hash); err != nil {
		return nil, err
	}
	data, err := d.Encode()
	if err != nil {
		return nil, err
	}
	return PackPaymasterAndData(paymaster, verificationGasLimit, postOpGasLimit, data)
}
