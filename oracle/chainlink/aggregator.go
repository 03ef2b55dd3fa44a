// Package chainlink reads Chainlink price feeds through any
// ethereum.ContractCaller, typically an *ethclient.Client.
package chainlink

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/blndgs/paymaster"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorABIJSON = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

// AggregatorABI is the read-only part of AggregatorV3Interface.
var AggregatorABI = mustParseABI(aggregatorABIJSON)

func mustParseABI(jsonStr string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Aggregator is a paymaster.Oracle backed by an on-chain Chainlink feed.
// Decimals are read once and cached.
type Aggregator struct {
	address common.Address
	caller  ethereum.ContractCaller

	mu       sync.Mutex
	decimals uint8
	cached   bool
}

var _ paymaster.Oracle = (*Aggregator)(nil)

// NewAggregator binds the feed deployed at address.
func NewAggregator(address common.Address, caller ethereum.ContractCaller) *Aggregator {
	return &Aggregator{address: address, caller: caller}
}

// Address returns the feed address.
func (a *Aggregator) Address() common.Address {
	return a.address
}

func (a *Aggregator) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := AggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &a.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, a.address, err)
	}
	values, err := AggregatorABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s from %s: %w", method, a.address, err)
	}
	return values, nil
}

// Decimals returns the number of decimals of the feed's answers.
func (a *Aggregator) Decimals(ctx context.Context) (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached {
		return a.decimals, nil
	}
	values, err := a.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("decimals of %s: unexpected %d values", a.address, len(values))
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals of %s: unexpected type %T", a.address, values[0])
	}
	a.decimals, a.cached = d, true
	return d, nil
}

// LatestRound returns the latest round of the feed.
func (a *Aggregator) LatestRound(ctx context.Context) (*paymaster.RoundData, error) {
	values, err := a.call(ctx, "latestRoundData")
	if err != nil {
		return nil, err
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("latestRoundData of %s: unexpected %d values", a.address, len(values))
	}
	bigs := make([]*big.Int, len(values))
	for i, v := range values {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("latestRoundData of %s: value %d has type %T", a.address, i, v)
		}
		bigs[i] = b
	}
	if !bigs[2].IsUint64() || !bigs[3].IsUint64() {
		return nil, fmt.Errorf("latestRoundData of %s: timestamp out of range", a.address)
	}
	return &paymaster.RoundData{
		RoundID:         bigs[0],
		Answer:          bigs[1],
		StartedAt:       bigs[2].Uint64(),
		UpdatedAt:       bigs[3].Uint64(),
		AnsweredInRound: bigs[4],
	}, nil
}
