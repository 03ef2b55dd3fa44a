// Package paymaster implements the accounting engine of an ERC-4337 paymaster:
// it validates off-chain signed sponsorship and token payment authorizations
// carried in a UserOperation's paymasterAndData, reserves the estimated gas
// cost from the sponsor's balance before execution and reconciles the actual
// cost (plus the configured markup) after execution.
//
// The packed UserOperation layout follows EntryPoint v0.7:
//
//	accountGasLimits = verificationGasLimit(16) | callGasLimit(16)
//	gasFees          = maxPriorityFeePerGas(16) | maxFeePerGas(16)
//	paymasterAndData = paymaster(20) | paymasterVerificationGasLimit(16) |
//	                   paymasterPostOpGasLimit(16) | paymasterData
package paymaster

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
)

const (
	PaymasterValidationGasOffset = 20
	PaymasterPostOpGasOffset     = 36
	PaymasterDataOffset          = 52
)

// PackedUserOperation is the EntryPoint v0.7 user operation as it is handed
// to the paymaster's validation hook.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	abiAddress = mustABIType("address")
	abiUint256 = mustABIType("uint256")
	abiUint128 = mustABIType("uint128")
	abiUint48  = mustABIType("uint48")
	abiUint32  = mustABIType("uint32")
	abiUint8   = mustABIType("uint8")
	abiBytes32 = mustABIType("bytes32")
)

// PackUint128Pair packs two 128-bit values into a 32-byte word, high half
// first, the way accountGasLimits and gasFees are laid out.
func PackUint128Pair(high, low *big.Int) [32]byte {
	var word [32]byte
	if high != nil {
		copy(word[:16], common.LeftPadBytes(high.Bytes(), 16))
	}
	if low != nil {
		copy(word[16:], common.LeftPadBytes(low.Bytes(), 16))
	}
	return word
}

// VerificationGasLimit returns the high half of accountGasLimits.
func (op *PackedUserOperation) VerificationGasLimit() *big.Int {
	return new(big.Int).SetBytes(op.AccountGasLimits[:16])
}

// CallGasLimit returns the low half of accountGasLimits.
func (op *PackedUserOperation) CallGasLimit() *big.Int {
	return new(big.Int).SetBytes(op.AccountGasLimits[16:])
}

// MaxPriorityFeePerGas returns the high half of gasFees.
func (op *PackedUserOperation) MaxPriorityFeePerGas() *big.Int {
	return new(big.Int).SetBytes(op.GasFees[:16])
}

// MaxFeePerGas returns the low half of gasFees.
func (op *PackedUserOperation) MaxFeePerGas() *big.Int {
	return new(big.Int).SetBytes(op.GasFees[16:])
}

// GetPaymaster returns the paymaster address or the zero address when
// paymasterAndData is too short to carry one.
func (op *PackedUserOperation) GetPaymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// GetFactory returns the account factory address carried in InitCode.
func (op *PackedUserOperation) GetFactory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// PaymasterVerificationGasLimit returns the gas limit the paymaster gets for
// its validation hook.
func (op *PackedUserOperation) PaymasterVerificationGasLimit() *big.Int {
	if len(op.PaymasterAndData) < PaymasterPostOpGasOffset {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(op.PaymasterAndData[PaymasterValidationGasOffset:PaymasterPostOpGasOffset])
}

// PaymasterPostOpGasLimit returns the gas limit the paymaster gets for postOp.
func (op *PackedUserOperation) PaymasterPostOpGasLimit() *big.Int {
	if len(op.PaymasterAndData) < PaymasterDataOffset {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(op.PaymasterAndData[PaymasterPostOpGasOffset:PaymasterDataOffset])
}

// PaymasterData returns the paymaster specific tail of paymasterAndData.
func (op *PackedUserOperation) PaymasterData() []byte {
	if len(op.PaymasterAndData) <= PaymasterDataOffset {
		return nil
	}
	return op.PaymasterAndData[PaymasterDataOffset:]
}

// paymasterGasWord is paymasterAndData[20:52] read as one uint256, the form in
// which both paymaster gas limits enter the authorization hash.
func (op *PackedUserOperation) paymasterGasWord() *big.Int {
	if len(op.PaymasterAndData) < PaymasterDataOffset {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(op.PaymasterAndData[PaymasterValidationGasOffset:PaymasterDataOffset])
}

// GetRequiredPrefund returns the maximum amount of wei the EntryPoint
// requires up front for this operation:
//
//	(verificationGasLimit + callGasLimit + paymasterVerificationGasLimit +
//	 paymasterPostOpGasLimit + preVerificationGas) * maxFeePerGas
func (op *PackedUserOperation) GetRequiredPrefund() *big.Int {
	gas := new(big.Int).Add(op.VerificationGasLimit(), op.CallGasLimit())
	gas.Add(gas, op.PaymasterVerificationGasLimit())
	gas.Add(gas, op.PaymasterPostOpGasLimit())
	if op.PreVerificationGas != nil {
		gas.Add(gas, op.PreVerificationGas)
	}
	return gas.Mul(gas, op.MaxFeePerGas())
}

func bigOrZero(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}

// GetUserOpHash returns the hash the EntryPoint v0.7 assigns to the operation.
func (op *PackedUserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) common.Hash {
	inner, err := abi.Arguments{
		{Type: abiAddress},
		{Type: abiUint256},
		{Type: abiBytes32},
		{Type: abiBytes32},
		{Type: abiBytes32},
		{Type: abiUint256},
		{Type: abiBytes32},
		{Type: abiBytes32},
	}.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits,
		bigOrZero(op.PreVerificationGas),
		op.GasFees,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// only reachable with values wider than 256 bits
		return common.Hash{}
	}
	outer, err := abi.Arguments{
		{Type: abiBytes32},
		{Type: abiAddress},
		{Type: abiUint256},
	}.Pack(crypto.Keccak256Hash(inner), entryPoint, bigOrZero(chainID))
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(outer)
}

type userOperationJSON struct {
	Sender             common.Address `json:"sender"`
	Nonce              *hexutil.Big   `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   hexutil.Bytes  `json:"accountGasLimits"`
	PreVerificationGas *hexutil.Big   `json:"preVerificationGas"`
	GasFees            hexutil.Bytes  `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

// MarshalJSON encodes the operation with 0x-prefixed hex values.
func (op *PackedUserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:             op.Sender,
		Nonce:              (*hexutil.Big)(bigOrZero(op.Nonce)),
		InitCode:           op.InitCode,
		CallData:           op.CallData,
		AccountGasLimits:   op.AccountGasLimits[:],
		PreVerificationGas: (*hexutil.Big)(bigOrZero(op.PreVerificationGas)),
		GasFees:            op.GasFees[:],
		PaymasterAndData:   op.PaymasterAndData,
		Signature:          op.Signature,
	})
}

// UnmarshalJSON does the reverse of MarshalJSON. The packed gas words must
// be exactly 32 bytes.
func (op *PackedUserOperation) UnmarshalJSON(data []byte) error {
	var aux userOperationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Nonce == nil || aux.PreVerificationGas == nil {
		return fmt.Errorf("user operation: missing nonce or preVerificationGas")
	}
	if len(aux.AccountGasLimits) != 32 {
		return fmt.Errorf("user operation: accountGasLimits must be 32 bytes, got %d", len(aux.AccountGasLimits))
	}
	if len(aux.GasFees) != 32 {
		return fmt.Errorf("user operation: gasFees must be 32 bytes, got %d", len(aux.GasFees))
	}

	op.Sender = aux.Sender
	op.Nonce = aux.Nonce.ToInt()
	op.InitCode = aux.InitCode
	op.CallData = aux.CallData
	copy(op.AccountGasLimits[:], aux.AccountGasLimits)
	op.PreVerificationGas = aux.PreVerificationGas.ToInt()
	copy(op.GasFees[:], aux.GasFees)
	op.PaymasterAndData = aux.PaymasterAndData
	op.Signature = aux.Signature
	return nil
}

func (op *PackedUserOperation) String() string {
	formatBytes := func(b []byte) string {
		if len(b) == 0 {
			return "0x"
		}
		return fmt.Sprintf("0x%x", b)
	}

	formatBigInt := func(b *big.Int) string {
		if b == nil {
			return "0x, 0"
		}
		return fmt.Sprintf("0x%x, %s", b, b.Text(10))
	}

	return fmt.Sprintf(
		"PackedUserOperation{\n"+
			"  Sender: %s\n"+
			"  Nonce: %s\n"+
			"  InitCode: %s\n"+
			"  CallData: %s\n"+
			"  VerificationGasLimit: %s\n"+
			"  CallGasLimit: %s\n"+
			"  PreVerificationGas: %s\n"+
			"  MaxPriorityFeePerGas: %s\n"+
			"  MaxFeePerGas: %s\n"+
			"  PaymasterAndData: %s\n"+
			"  Signature: %s\n"+
			"}",
		op.Sender.String(),
		formatBigInt(op.Nonce),
		formatBytes(op.InitCode),
		formatBytes(op.CallData),
		formatBigInt(op.VerificationGasLimit()),
		formatBigInt(op.CallGasLimit()),
		formatBigInt(op.PreVerificationGas),
		formatBigInt(op.MaxPriorityFeePerGas()),
		formatBigInt(op.MaxFeePerGas()),
		formatBytes(op.PaymasterAndData),
		formatBytes(op.Signature),
	)
}
