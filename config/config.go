// Package config loads the paymaster service configuration from a file,
// a .env file and PAYMASTER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/blndgs/paymaster"
	"github.com/blndgs/paymaster/oracle/chainlink"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PAYMASTER_SPONSORSHIP_FEE_COLLECTOR.
const EnvPrefix = "PAYMASTER"

type Config struct {
	ChainID     uint64            `mapstructure:"chain_id" validate:"chain_id"`
	RPCURL      string            `mapstructure:"rpc_url" validate:"omitempty,url"`
	SignerKey   string            `mapstructure:"signer_key" validate:"priv_key"`
	Sponsorship SponsorshipConfig `mapstructure:"sponsorship"`
	Token       TokenConfig       `mapstructure:"token" validate:"-"`
	Storage     StorageConfig     `mapstructure:"storage"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
}

type SponsorshipConfig struct {
	Address         string        `mapstructure:"address" validate:"eth_addr"`
	Owner           string        `mapstructure:"owner" validate:"eth_addr"`
	FeeCollector    string        `mapstructure:"fee_collector" validate:"eth_addr"`
	UnaccountedGas  uint64        `mapstructure:"unaccounted_gas" validate:"lte=100000"`
	MinMarkup       uint32        `mapstructure:"min_markup" validate:"markup"`
	MaxMarkup       uint32        `mapstructure:"max_markup" validate:"markup,gtefield=MinMarkup"`
	ReservePenalty  bool          `mapstructure:"reserve_penalty"`
	WithdrawalDelay time.Duration `mapstructure:"withdrawal_delay" validate:"gte=0"`
}

type TokenFeed struct {
	Token    string `mapstructure:"token" validate:"eth_addr"`
	Oracle   string `mapstructure:"oracle" validate:"eth_addr"`
	Decimals uint8  `mapstructure:"decimals" validate:"lte=36"`
}

type TokenConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Address                string        `mapstructure:"address" validate:"eth_addr"`
	Owner                  string        `mapstructure:"owner" validate:"eth_addr"`
	FeeCollector           string        `mapstructure:"fee_collector" validate:"eth_addr"`
	UnaccountedGas         uint64        `mapstructure:"unaccounted_gas" validate:"lte=100000"`
	IndependentPriceMarkup uint32        `mapstructure:"independent_price_markup" validate:"markup"`
	OracleMaxAge           time.Duration `mapstructure:"oracle_max_age" validate:"gt=0"`
	NativeOracle           string        `mapstructure:"native_oracle" validate:"eth_addr"`
	Feeds                  []TokenFeed   `mapstructure:"feeds" validate:"dive"`
}

type StorageConfig struct {
	// Path of the leveldb balance store; empty keeps balances in memory.
	Path    string `mapstructure:"path"`
	Cache   int    `mapstructure:"cache" validate:"gte=0"`
	Handles int    `mapstructure:"handles" validate:"gte=0"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error crit"`
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("chain_id", 0)
	vp.SetDefault("rpc_url", "")
	vp.SetDefault("signer_key", "")

	vp.SetDefault("sponsorship.address", "")
	vp.SetDefault("sponsorship.owner", "")
	vp.SetDefault("sponsorship.fee_collector", "")
	vp.SetDefault("sponsorship.unaccounted_gas", 50_000)
	vp.SetDefault("sponsorship.min_markup", paymaster.MinPriceMarkup)
	vp.SetDefault("sponsorship.max_markup", paymaster.MaxPriceMarkup)
	vp.SetDefault("sponsorship.reserve_penalty", false)
	vp.SetDefault("sponsorship.withdrawal_delay", "0s")

	vp.SetDefault("token.enabled", false)
	vp.SetDefault("token.address", "")
	vp.SetDefault("token.owner", "")
	vp.SetDefault("token.fee_collector", "")
	vp.SetDefault("token.unaccounted_gas", 50_000)
	vp.SetDefault("token.independent_price_markup", 1_100_000)
	vp.SetDefault("token.oracle_max_age", "1h")
	vp.SetDefault("token.native_oracle", "")

	vp.SetDefault("storage.path", "")
	vp.SetDefault("storage.cache", 16)
	vp.SetDefault("storage.handles", 16)

	vp.SetDefault("api.addr", ":8080")
	vp.SetDefault("log.level", "info")
}

// Load reads the configuration. path may be empty, in which case only the
// defaults and the environment are used. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	vp := viper.New()
	setDefaults(vp)
	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := new(Config)
	if err := vp.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field; the token section only when enabled.
func (c *Config) Validate() error {
	v := validator.New()
	if err := paymaster.RegisterValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Token.Enabled {
		if err := v.Struct(c.Token); err != nil {
			return fmt.Errorf("invalid token config: %w", err)
		}
	}
	return nil
}

// Signer returns the verifying signer built from SignerKey.
func (c *Config) Signer() (*paymaster.Signer, error) {
	return paymaster.NewSignerFromHex(c.SignerKey)
}

// SponsorshipPaymaster returns the sponsorship paymaster settings with
// signer as verifying signer.
func (c *Config) SponsorshipPaymaster(signer common.Address) paymaster.SponsorshipConfig {
	s := c.Sponsorship
	return paymaster.SponsorshipConfig{
		Address: common.HexToAddress(s.Address),
		ChainID: new(big.Int).SetUint64(c.ChainID),
		GovernanceParams: paymaster.GovernanceParams{
			Owner:           common.HexToAddress(s.Owner),
			VerifyingSigner: signer,
			FeeCollector:    common.HexToAddress(s.FeeCollector),
			UnaccountedGas:  s.UnaccountedGas,
			MarkupBounds:    paymaster.MarkupBounds{Min: s.MinMarkup, Max: s.MaxMarkup},
		},
		ReservePenalty:  s.ReservePenalty,
		WithdrawalDelay: s.WithdrawalDelay,
	}
}

// TokenPaymaster returns the token paymaster settings with signer as
// verifying signer.
func (c *Config) TokenPaymaster(signer common.Address) paymaster.TokenConfig {
	t := c.Token
	return paymaster.TokenConfig{
		Address: common.HexToAddress(t.Address),
		ChainID: new(big.Int).SetUint64(c.ChainID),
		GovernanceParams: paymaster.GovernanceParams{
			Owner:           common.HexToAddress(t.Owner),
			VerifyingSigner: signer,
			FeeCollector:    common.HexToAddress(t.FeeCollector),
			UnaccountedGas:  t.UnaccountedGas,
			MarkupBounds:    paymaster.DefaultMarkupBounds(),
		},
		IndependentPriceMarkup: t.IndependentPriceMarkup,
		OracleMaxAge:           t.OracleMaxAge,
	}
}

// TokenOracles binds the native and per-token Chainlink feeds of the token
// section through caller.
func (c *Config) TokenOracles(caller ethereum.ContractCaller) (paymaster.Oracle, *paymaster.TokenDirectory, error) {
	native := chainlink.NewAggregator(common.HexToAddress(c.Token.NativeOracle), caller)
	dir := paymaster.NewTokenDirectory()
	for _, f := range c.Token.Feeds {
		info := paymaster.TokenInfo{
			Oracle:   chainlink.NewAggregator(common.HexToAddress(f.Oracle), caller),
			Decimals: f.Decimals,
		}
		if _, _, err := dir.Set(common.HexToAddress(f.Token), info); err != nil {
			return nil, nil, fmt.Errorf("token feed %s: %w", f.Token, err)
		}
	}
	return native, dir, nil
}

// SetupLogger installs a terminal handler on the root logger at the
// configured level.
func (c *Config) SetupLogger() error {
	lvl, err := log.LvlFromString(c.Log.Level)
	if err != nil {
		return err
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat(false))))
	return nil
}
