package paymaster

type paymasterError string

func (e paymasterError) Error() string {
	return string(e)
}

// Configuration errors, raised by constructors and owner-gated setters.
const (
	ErrUnauthorized          paymasterError = "caller is not the owner"
	ErrZeroAddress           paymasterError = "zero address not allowed"
	ErrSignerIsContract      paymasterError = "verifying signer cannot be a contract"
	ErrUnaccountedGasTooHigh paymasterError = "unaccounted gas exceeds the allowed maximum"
	ErrInvalidMarkupBounds   paymasterError = "invalid price markup bounds"
	ErrInvalidDecimals       paymasterError = "invalid token decimals"
)

// Authorization errors.
const (
	ErrPaymasterDataTooShort      paymasterError = "paymaster data shorter than the fixed prefix"
	ErrInvalidPaymasterDataLength paymasterError = "invalid paymaster data length"
	ErrInvalidSignatureLength     paymasterError = "invalid signature length in paymaster data"
	ErrInvalidTokenMode           paymasterError = "invalid token paymaster mode"
	ErrWrongPaymaster             paymasterError = "paymasterAndData targets another paymaster"
)

// Economic errors.
const (
	ErrZeroAmount                      paymasterError = "amount must be greater than zero"
	ErrInsufficientFunds               paymasterError = "insufficient funds"
	ErrInsufficientFundsForPaymasterID paymasterError = "insufficient funds for paymasterId"
	ErrInvalidPriceMarkup              paymasterError = "price markup out of bounds"
	ErrPostOpGasLimitTooLow            paymasterError = "postOp gas limit lower than unaccounted gas"
	ErrOraclePriceNotPositive          paymasterError = "oracle price is not positive"
	ErrOraclePriceExpired              paymasterError = "oracle price has expired"
	ErrTokenNotSupported               paymasterError = "token not supported"
	ErrNoWithdrawalRequest             paymasterError = "no withdrawal request submitted"
	ErrWithdrawalNotDue                paymasterError = "withdrawal request is not due yet"
	ErrLengthMismatch                  paymasterError = "tokens and amounts differ in length"
)

// Arithmetic errors.
const (
	ErrMarkupOverflow  paymasterError = "overflow while applying price markup"
	ErrBalanceOverflow paymasterError = "balance overflow"
	ErrAmountOverflow  paymasterError = "amount does not fit in 256 bits"
)

// Lifecycle and external call errors.
const (
	ErrReentrantCall         paymasterError = "reentrant call"
	ErrOperationNotValidated paymasterError = "operation has no pending validation"
	ErrInvalidContext        paymasterError = "invalid postOp context"
	ErrDepositFailed         paymasterError = "deposit to entry point failed"
	ErrWithdrawalFailed      paymasterError = "withdrawal failed"
	ErrTokenTransferFailed   paymasterError = "token transfer failed"
)
