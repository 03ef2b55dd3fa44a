package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/blndgs/paymaster"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
)

type balanceResponse struct {
	PaymasterID common.Address `json:"paymasterId"`
	Balance     string         `json:"balance"`
}

func (s *Server) getBalance(c *gin.Context) {
	raw := c.Param("paymasterId")
	if !common.IsHexAddress(raw) {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid paymasterId %q", raw))
		return
	}
	id := common.HexToAddress(raw)
	bal, err := s.sponsorship.BalanceOf(id)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{PaymasterID: id, Balance: bal.ToBig().String()})
}

// sponsorshipRequest asks for a signed sponsorship of UserOp. The paymaster
// gas limits are written into the returned paymasterAndData.
type sponsorshipRequest struct {
	UserOp                        *paymaster.PackedUserOperation `json:"userOp" binding:"required"`
	PaymasterID                   string                         `json:"paymasterId" binding:"required,eth_addr"`
	ValidUntil                    uint64                         `json:"validUntil" binding:"uint48"`
	ValidAfter                    uint64                         `json:"validAfter" binding:"uint48"`
	PriceMarkup                   uint32                         `json:"priceMarkup" binding:"required,markup"`
	PaymasterVerificationGasLimit uint64                         `json:"paymasterVerificationGasLimit" binding:"required,gt=0"`
	PaymasterPostOpGasLimit       uint64                         `json:"paymasterPostOpGasLimit" binding:"required,gt=0"`
}

type sponsorshipResponse struct {
	Paymaster        common.Address `json:"paymaster"`
	PaymasterAndData hexutil.Bytes  `json:"paymasterAndData"`
	Hash             common.Hash    `json:"hash"`
	MaxCharge        string         `json:"maxCharge"`
}

func (s *Server) postSponsorship(c *gin.Context) {
	var req sponsorshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.ValidUntil != 0 && req.ValidUntil <= req.ValidAfter {
		abort(c, http.StatusBadRequest, errors.New("validUntil must be after validAfter"))
		return
	}
	params := s.sponsorship.Params()
	if err := params.MarkupBounds.Validate(req.PriceMarkup); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.PaymasterPostOpGasLimit <= params.UnaccountedGas {
		abort(c, http.StatusBadRequest, paymaster.ErrPostOpGasLimitTooLow)
		return
	}

	pm := s.sponsorship.Address()
	vgl := new(big.Int).SetUint64(req.PaymasterVerificationGasLimit)
	postOp := new(big.Int).SetUint64(req.PaymasterPostOpGasLimit)
	op := *req.UserOp
	header, err := paymaster.PackPaymasterAndData(pm, vgl, postOp, nil)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	op.PaymasterAndData = header

	maxCost, err := paymaster.MaxOperationCost(&op, op.GetRequiredPrefund(), params.UnaccountedGas, false)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	maxCharge, err := paymaster.ApplyMarkup(maxCost, req.PriceMarkup)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	id := common.HexToAddress(req.PaymasterID)
	bal, err := s.sponsorship.BalanceOf(id)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if maxCharge.Gt(bal) {
		abort(c, http.StatusPaymentRequired, fmt.Errorf("%w: balance %s, operation may cost %s",
			paymaster.ErrInsufficientFundsForPaymasterID, bal.ToBig(), maxCharge.ToBig()))
		return
	}

	d := paymaster.SponsorshipData{
		PaymasterID: id,
		ValidUntil:  req.ValidUntil,
		ValidAfter:  req.ValidAfter,
		PriceMarkup: req.PriceMarkup,
	}
	hash, err := s.sponsorship.GetHash(&op, &d)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	pmd, err := s.signer.SignSponsorship(&op, pm, s.sponsorship.ChainID(), vgl, postOp, d)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	log.Debug("Signed sponsorship", "sender", op.Sender, "paymasterId", id, "markup", req.PriceMarkup, "hash", hash)
	c.JSON(http.StatusOK, sponsorshipResponse{
		Paymaster:        pm,
		PaymasterAndData: pmd,
		Hash:             hash,
		MaxCharge:        maxCharge.ToBig().String(),
	})
}

type tokenPriceResponse struct {
	Token common.Address `json:"token"`
	// Price is token base units per 10^18 wei.
	Price  string `json:"price"`
	Markup uint32 `json:"markup"`
}

func (s *Server) listTokens(c *gin.Context) {
	if s.token == nil {
		c.JSON(http.StatusOK, []common.Address{})
		return
	}
	c.JSON(http.StatusOK, s.token.Resolver().Directory().Tokens())
}

func (s *Server) getTokenPrice(c *gin.Context) {
	if s.token == nil {
		abort(c, http.StatusNotFound, errors.New("token payments are disabled"))
		return
	}
	raw := c.Param("token")
	if !common.IsHexAddress(raw) {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid token %q", raw))
		return
	}
	token := common.HexToAddress(raw)
	price, err := s.token.Resolver().ResolveTokenPrice(c.Request.Context(), token)
	switch {
	case errors.Is(err, paymaster.ErrTokenNotSupported):
		abort(c, http.StatusNotFound, err)
		return
	case err != nil:
		abort(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, tokenPriceResponse{
		Token:  token,
		Price:  price.ToBig().String(),
		Markup: s.token.IndependentPriceMarkup(),
	})
}
