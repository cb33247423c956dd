// Package metrics exports batch auction lifecycle counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/auction"
)

const namespace = "batchauction"

// Collector counts lot and bid events. It implements auction.Recorder.
type Collector struct {
	registry *prometheus.Registry

	lotsCreated     prometheus.Counter
	lotsCancelled   prometheus.Counter
	bidsSubmitted   prometheus.Counter
	bidsRefunded    prometheus.Counter
	bidsDecrypted   *prometheus.CounterVec
	lotsSettled     *prometheus.CounterVec
	bidsClaimed     *prometheus.CounterVec
	proceedsClaimed prometheus.Counter
	requests        *prometheus.CounterVec
	rejected        prometheus.Counter
}

var _ auction.Recorder = (*Collector)(nil)

// NewCollector registers the counters, together with the Go runtime and process
// collectors, on a dedicated registry.
func NewCollector() *Collector {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	c := &Collector{
		registry:        prometheus.NewRegistry(),
		lotsCreated:     counter("lots_created_total", "Lots created."),
		lotsCancelled:   counter("lots_cancelled_total", "Lots cancelled by their seller."),
		bidsSubmitted:   counter("bids_submitted_total", "Sealed bids accepted."),
		bidsRefunded:    counter("bids_refunded_total", "Bids refunded before decryption."),
		bidsDecrypted:   counterVec("bids_decrypted_total", "Bids decrypted, by outcome.", "outcome"),
		lotsSettled:     counterVec("lots_settled_total", "Lots settled or aborted, by outcome.", "outcome"),
		bidsClaimed:     counterVec("bids_claimed_total", "Bids claimed, by outcome.", "outcome"),
		proceedsClaimed: counter("proceeds_claimed_total", "Seller proceeds claimed."),
		requests:        counterVec("requests_total", "Daemon requests, by type and result.", "type", "result"),
		rejected:        counter("connections_rejected_total", "Connections rejected because every worker was busy."),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.lotsCreated, c.lotsCancelled, c.bidsSubmitted, c.bidsRefunded,
		c.bidsDecrypted, c.lotsSettled, c.bidsClaimed, c.proceedsClaimed,
		c.requests, c.rejected,
	)
	return c
}

func (c *Collector) LotCreated()                 { c.lotsCreated.Inc() }
func (c *Collector) LotCancelled()               { c.lotsCancelled.Inc() }
func (c *Collector) BidSubmitted()               { c.bidsSubmitted.Inc() }
func (c *Collector) BidRefunded()                { c.bidsRefunded.Inc() }
func (c *Collector) BidDecrypted(outcome string) { c.bidsDecrypted.WithLabelValues(outcome).Inc() }
func (c *Collector) LotSettled(outcome string)   { c.lotsSettled.WithLabelValues(outcome).Inc() }
func (c *Collector) BidClaimed(outcome string)   { c.bidsClaimed.WithLabelValues(outcome).Inc() }
func (c *Collector) ProceedsClaimed()            { c.proceedsClaimed.Inc() }

// Request counts a handled daemon request.
func (c *Collector) Request(requestType string, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.requests.WithLabelValues(requestType, result).Inc()
}

// ConnectionRejected counts a connection turned away by the worker pool.
func (c *Collector) ConnectionRejected() { c.rejected.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown")
		}
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
