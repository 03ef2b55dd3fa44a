// Package api serves the paymaster over HTTP: sponsor balances, signing of
// sponsorship authorizations, token quotes and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/blndgs/paymaster"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP front of a sponsorship paymaster and, optionally, a
// token paymaster.
type Server struct {
	sponsorship *paymaster.SponsorshipPaymaster
	token       *paymaster.TokenPaymaster
	signer      *paymaster.Signer

	engine *gin.Engine
}

// NewServer builds the router. token may be nil.
func NewServer(sponsorship *paymaster.SponsorshipPaymaster, token *paymaster.TokenPaymaster, signer *paymaster.Signer) (*Server, error) {
	if sponsorship == nil || signer == nil {
		return nil, errors.New("api needs a sponsorship paymaster and a signer")
	}
	if err := paymaster.NewValidator(); err != nil {
		return nil, err
	}
	s := &Server{sponsorship: sponsorship, token: token, signer: signer}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/balances/:paymasterId", s.getBalance)
		v1.POST("/sponsorship", s.postSponsorship)
		v1.GET("/tokens", s.listTokens)
		v1.GET("/tokens/:token/price", s.getTokenPrice)
	}
	s.engine = r
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Paymaster API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("Served request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "elapsed", common.PrettyDuration(time.Since(start)))
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
