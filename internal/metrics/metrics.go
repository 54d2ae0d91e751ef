package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the node's counters on a private registry, so tests can run
// many nodes in one process without registration collisions.
type Metrics struct {
	registry *prometheus.Registry

	PeersKnown    prometheus.Gauge
	PeersVerified prometheus.Gauge

	LearnRounds   prometheus.Counter
	PeersLearned  prometheus.Counter
	Announces     prometheus.Counter
	FramesHandled *prometheus.CounterVec

	GrantsPlaced       prometheus.Counter
	GrantFailures      prometheus.Counter
	ReencryptRequests  prometheus.Counter
	ReencryptRefusals  *prometheus.CounterVec
	ArrangementsStored prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prenet_peers_known",
			Help: "Peer records currently held in the directory.",
		}),
		PeersVerified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prenet_peers_verified",
			Help: "Directory records at worker-verified.",
		}),
		LearnRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prenet_learn_rounds_total",
			Help: "Completed peer-learning rounds.",
		}),
		PeersLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prenet_peers_learned_total",
			Help: "Peer records merged from learning rounds.",
		}),
		Announces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prenet_metadata_announces_total",
			Help: "Metadata announcements received.",
		}),
		FramesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prenet_frames_handled_total",
			Help: "Inbound frames by message type.",
		}, []string{"type"}),
		GrantsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prenet_grants_placed_total",
			Help: "Policies successfully granted.",
		}),
		GrantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prenet_grant_failures_total",
			Help: "Grants that failed after candidate exhaustion.",
		}),
		ReencryptRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prenet_reencrypt_requests_total",
			Help: "Re-encryption requests served or refused.",
		}),
		ReencryptRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prenet_reencrypt_refusals_total",
			Help: "Re-encryption refusals by code.",
		}, []string{"code"}),
		ArrangementsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prenet_arrangements_stored",
			Help: "Arrangements currently held by this proxy.",
		}),
	}
	m.registry.MustRegister(
		m.PeersKnown, m.PeersVerified,
		m.LearnRounds, m.PeersLearned, m.Announces, m.FramesHandled,
		m.GrantsPlaced, m.GrantFailures,
		m.ReencryptRequests, m.ReencryptRefusals, m.ArrangementsStored,
	)
	return m
}

// Snapshot flattens the registry into name -> value for the status endpoint
// and CLI. Vec metrics appear as name{label=value}.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, fam := range families {
		for _, metric := range fam.Metric {
			name := fam.GetName()
			if len(metric.Label) > 0 {
				name = fmt.Sprintf("%s{%s=%s}", name, metric.Label[0].GetName(), metric.Label[0].GetValue())
			}
			out[name] = metricValue(fam.GetType(), metric)
		}
	}
	return out, nil
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	default:
		return 0
	}
}
