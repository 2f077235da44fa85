// Package metrics exposes the server's Prometheus collectors: completed
// transfers broken down by outcome, retransmits, and active connections.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rgtarno/go-tftpd/tftp"
)

const namespace = "tftpd"

// Collector is a custom prometheus.Collector backed by a small set of
// counters guarded by a mutex, rather than a registry of pre-built
// prometheus.Counter objects - active connections is a gauge that needs
// read-modify-write alongside the others under one lock.
type Collector struct {
	mu sync.Mutex

	transfersByOutcome map[string]uint64
	retransmits        uint64
	active             uint64

	transfersDesc   *prometheus.Desc
	retransmitsDesc *prometheus.Desc
	activeDesc      *prometheus.Desc
}

// New builds a ready-to-register Collector.
func New() *Collector {
	return &Collector{
		transfersByOutcome: make(map[string]uint64),
		transfersDesc: prometheus.NewDesc(
			namespace+"_transfers_total",
			"Completed transfers, labeled by outcome (ok or an error code name).",
			[]string{"outcome"}, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			namespace+"_retransmits_total",
			"Total DATA/ACK frames retransmitted after a timeout.",
			nil, nil,
		),
		activeDesc: prometheus.NewDesc(
			namespace+"_active_connections",
			"Number of connections currently being served.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.transfersDesc
	descs <- c.retransmitsDesc
	descs <- c.activeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for outcome, n := range c.transfersByOutcome {
		ch <- prometheus.MustNewConstMetric(c.transfersDesc, prometheus.CounterValue, float64(n), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(c.retransmits))
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(c.active))
}

// ConnectionStarted records a new connection entering the active set.
func (c *Collector) ConnectionStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
}

// ConnectionFinished records a connection leaving the active set, with its
// outcome: nil for a clean finish, or the error code staged before FINISHED.
func (c *Collector) ConnectionFinished(code *tftp.ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	outcome := "ok"
	if code != nil {
		outcome = code.String()
	}
	c.transfersByOutcome[outcome]++
}

// Retransmit records one retransmit of a buffered frame.
func (c *Collector) Retransmit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retransmits++
}
