package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors shared by the core components.
type Metrics struct {
	ReserveRatio  prometheus.Gauge
	WrappedSupply prometheus.Gauge
	ForeignLocked prometheus.Gauge

	DepositsDetected prometheus.Counter
	DepositsMinted   prometheus.Counter
	DustIgnored      prometheus.Counter

	RegistrationRetries prometheus.Counter
	RegistrationsParked prometheus.Gauge

	VerificationRejections prometheus.Counter
	ReserveDivergence      prometheus.Counter
	EmergencyPauses        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReserveRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_reserve_ratio",
			Help: "Locked foreign value divided by wrapped token supply.",
		}),
		WrappedSupply: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_wrapped_supply_microalgo",
			Help: "Total wrapped token supply in micro units.",
		}),
		ForeignLocked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_foreign_locked_microalgo",
			Help: "Sum of custody address balances in microAlgo.",
		}),
		DepositsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_deposits_detected_total",
			Help: "Qualifying deposits detected and registered.",
		}),
		DepositsMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_deposits_minted_total",
			Help: "Deposits that completed a mint.",
		}),
		DustIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dust_ignored_total",
			Help: "Transfers below the dust threshold, permanently ignored.",
		}),
		RegistrationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_registration_retries_total",
			Help: "Registration attempts made by the retry queue.",
		}),
		RegistrationsParked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_registrations_parked",
			Help: "Failed registrations past the retry ceiling awaiting operator recovery.",
		}),
		VerificationRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_verification_rejections_total",
			Help: "Claimed transactions rejected by on-chain verification.",
		}),
		ReserveDivergence: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_reserve_divergence_total",
			Help: "Reserve computations where custody balances diverged from supply beyond tolerance.",
		}),
		EmergencyPauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_emergency_pauses_total",
			Help: "Automatic emergency pauses triggered.",
		}),
	}
}
