package paymaster

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeDecimals is the number of decimals of the native currency.
const NativeDecimals = 18

var nativeUnit = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(NativeDecimals))

// RoundData is a Chainlink-style price round. Only Answer and UpdatedAt are
// used for pricing.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       uint64
	UpdatedAt       uint64
	AnsweredInRound *big.Int
}

// Oracle is a read-only price feed.
type Oracle interface {
	Decimals(ctx context.Context) (uint8, error)
	LatestRound(ctx context.Context) (*RoundData, error)
}

// Quote is a validated oracle answer.
type Quote struct {
	Price     *uint256.Int
	Decimals  uint8
	UpdatedAt uint64
}

// TokenInfo is a token directory entry.
type TokenInfo struct {
	Oracle   Oracle
	Decimals uint8
}

// TokenDirectory maps supported tokens to their price feed. It is safe for
// concurrent use.
type TokenDirectory struct {
	mu     sync.RWMutex
	tokens map[common.Address]TokenInfo
}

// NewTokenDirectory returns an empty directory.
func NewTokenDirectory() *TokenDirectory {
	return &TokenDirectory{tokens: make(map[common.Address]TokenInfo)}
}

// Set registers or replaces the feed of token and returns the previous
// entry, if any.
func (d *TokenDirectory) Set(token common.Address, info TokenInfo) (TokenInfo, bool, error) {
	if token == (common.Address{}) {
		return TokenInfo{}, false, ErrZeroAddress
	}
	if info.Oracle == nil {
		return TokenInfo{}, false, fmt.Errorf("%w: token %s has no oracle", ErrTokenNotSupported, token)
	}
	// 10^decimals must stay far below 2^256 for the ratio math
	if info.Decimals > 36 {
		return TokenInfo{}, false, fmt.Errorf("%w: %d", ErrInvalidDecimals, info.Decimals)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.tokens[token]
	d.tokens[token] = info
	return prev, ok, nil
}

// Remove drops token from the directory.
func (d *TokenDirectory) Remove(token common.Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tokens[token]
	delete(d.tokens, token)
	return ok
}

// Lookup returns the entry of token.
func (d *TokenDirectory) Lookup(token common.Address) (TokenInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.tokens[token]
	return info, ok
}

// Tokens returns the supported tokens in ascending address order.
func (d *TokenDirectory) Tokens() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]common.Address, 0, len(d.tokens))
	for t := range d.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// PriceResolver turns oracle rounds into token/native price ratios.
type PriceResolver struct {
	native    Oracle
	directory *TokenDirectory

	mu     sync.RWMutex
	maxAge time.Duration

	now func() time.Time
}

// NewPriceResolver returns a resolver that prices tokens of directory
// against the native currency feed native. Rounds older than maxAge are
// rejected.
func NewPriceResolver(native Oracle, directory *TokenDirectory, maxAge time.Duration) *PriceResolver {
	if directory == nil {
		directory = NewTokenDirectory()
	}
	return &PriceResolver{
		native:    native,
		directory: directory,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Directory returns the token directory used by the resolver.
func (r *PriceResolver) Directory() *TokenDirectory {
	return r.directory
}

// MaxAge returns the oldest round age accepted.
func (r *PriceResolver) MaxAge() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxAge
}

// SetMaxAge changes the oldest round age accepted.
func (r *PriceResolver) SetMaxAge(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAge = maxAge
}

// FetchPrice reads the latest round of oracle and validates it.
func (r *PriceResolver) FetchPrice(ctx context.Context, oracle Oracle) (*Quote, error) {
	round, err := oracle.LatestRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle latest round: %w", err)
	}
	if round == nil || round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, ErrOraclePriceNotPositive
	}

	now := r.now().Unix()
	maxAge := int64(r.MaxAge() / time.Second)
	if int64(round.UpdatedAt) < now-maxAge {
		return nil, fmt.Errorf("%w: updated at %d, now %d, max age %ds",
			ErrOraclePriceExpired, round.UpdatedAt, now, maxAge)
	}

	price, err := ToUint256(round.Answer)
	if err != nil {
		return nil, err
	}
	decimals, err := oracle.Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle decimals: %w", err)
	}
	if decimals > 36 {
		return nil, fmt.Errorf("%w: oracle reports %d", ErrInvalidDecimals, decimals)
	}
	return &Quote{Price: price, Decimals: decimals, UpdatedAt: round.UpdatedAt}, nil
}

// ResolveTokenPrice returns how many base units of token are worth one
// native unit (10^18 wei):
//
//	nativePrice * 10^tokenFeedDecimals * 10^tokenDecimals /
//	(tokenPrice * 10^nativeFeedDecimals)
func (r *PriceResolver) ResolveTokenPrice(ctx context.Context, token common.Address) (*uint256.Int, error) {
	info, ok := r.directory.Lookup(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotSupported, token)
	}
	nativeQuote, err := r.FetchPrice(ctx, r.native)
	if err != nil {
		return nil, fmt.Errorf("native price: %w", err)
	}
	tokenQuote, err := r.FetchPrice(ctx, info.Oracle)
	if err != nil {
		return nil, fmt.Errorf("token %s price: %w", token, err)
	}

	num, overflow := new(uint256.Int).MulOverflow(nativeQuote.Price, pow10(tokenQuote.Decimals+info.Decimals))
	if overflow {
		return nil, ErrAmountOverflow
	}
	den, overflow := new(uint256.Int).MulOverflow(tokenQuote.Price, pow10(nativeQuote.Decimals))
	if overflow {
		return nil, ErrAmountOverflow
	}
	return num.Div(num, den), nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// TokenAmount converts a wei amount into token base units at price, which is
// expressed in token units per native unit. The result is floored.
func TokenAmount(wei, price *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(wei, price)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return product.Div(product, nativeUnit), nil
}
