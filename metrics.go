package paymaster

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	validationsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "validation",
		Name:      "total",
		Help:      "the number of paymaster validations by paymaster kind and result",
	}, []string{"kind", "result"})

	settlementsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "postop",
		Name:      "total",
		Help:      "the number of settled operations by paymaster kind and postOp mode",
	}, []string{"kind", "mode"})

	depositsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "ledger",
		Name:      "deposited_wei",
		Help:      "the amount of wei deposited into sponsor balances",
	})

	withdrawalsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "ledger",
		Name:      "withdrawn_wei",
		Help:      "the amount of wei withdrawn from sponsor balances",
	})

	gasSpentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "ledger",
		Name:      "gas_spent_wei",
		Help:      "the gas cost in wei covered for sponsored operations",
	})

	premiumCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "ledger",
		Name:      "premium_wei",
		Help:      "the premium in wei credited to fee collectors",
	})

	reservedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paymaster",
		Subsystem: "ledger",
		Name:      "reserved_wei",
		Help:      "the wei currently reserved by validated, unsettled operations",
	})

	tokensChargedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "token",
		Name:      "charged",
		Help:      "the token base units charged for gas by token",
	}, []string{"token"})

	oracleFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paymaster",
		Subsystem: "oracle",
		Name:      "failures_total",
		Help:      "the number of rejected oracle reads by token",
	}, []string{"token"})
)

func init() {
	prometheus.MustRegister(validationsCounter)
	prometheus.MustRegister(settlementsCounter)
	prometheus.MustRegister(depositsCounter)
	prometheus.MustRegister(withdrawalsCounter)
	prometheus.MustRegister(gasSpentCounter)
	prometheus.MustRegister(premiumCounter)
	prometheus.MustRegister(reservedGauge)
	prometheus.MustRegister(tokensChargedCounter)
	prometheus.MustRegister(oracleFailuresCounter)
}

func weiFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func validationResult(vd ValidationData, err error) string {
	if err != nil {
		return "error"
	}
	if vd.SigFailed {
		return "sig_failed"
	}
	return "ok"
}
