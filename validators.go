package paymaster

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Custom validation for Ethereum address using go-playground validator.
func validEthAddress(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// validMarkup accepts markups inside the absolute [1x, 2x] range.
func validMarkup(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		m := fl.Field().Uint()
		return m >= uint64(MinPriceMarkup) && m <= uint64(MaxPriceMarkup)
	default:
		return false
	}
}

// Custom validation for ChainID to ensure it's positive.
func validChainID(fl validator.FieldLevel) bool {
	if chainID, ok := fl.Field().Interface().(*big.Int); ok {
		return chainID != nil && chainID.Sign() > 0
	}
	switch fl.Field().Kind() {
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		return fl.Field().Uint() > 0
	default:
		return false
	}
}

// validUint48 accepts timestamps that fit the 6-byte wire fields.
func validUint48(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		return fl.Field().Uint() <= maxUint48
	default:
		return false
	}
}

// validPrivateKey accepts a 32-byte hex key with or without 0x.
func validPrivateKey(fl validator.FieldLevel) bool {
	key := strings.TrimPrefix(strings.TrimPrefix(fl.Field().String(), "0x"), "0X")
	if len(key) != 64 {
		return false
	}
	for _, c := range key {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// RegisterValidators adds the paymaster tags (eth_addr, markup, chain_id,
// uint48, priv_key) to v.
func RegisterValidators(v *validator.Validate) error {
	rules := []struct {
		tag string
		fn  validator.Func
	}{
		{"eth_addr", validEthAddress},
		{"markup", validMarkup},
		{"chain_id", validChainID},
		{"uint48", validUint48},
		{"priv_key", validPrivateKey},
	}
	for _, r := range rules {
		if err := v.RegisterValidation(r.tag, r.fn); err != nil {
			return fmt.Errorf("failed to register validator for %s: %w", r.tag, err)
		}
	}
	return nil
}

// NewValidator registers the paymaster tags with gin's binding engine.
func NewValidator() error {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		return RegisterValidators(v)
	}
	return nil
}
