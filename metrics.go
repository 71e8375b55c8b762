package analyzer

import (
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters, process wide. Local atomic mirrors are kept next
// to them so in-process callers can read counts without scraping.
var (
	promFramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_frames_rx_total",
		Help: "Total CAN frames received from the transport.",
	})
	promFramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_frames_tx_total",
		Help: "Total CAN frames written to the transport.",
	})
	promObserverDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_observer_dropped_frames_total",
		Help: "Total frames dropped because an observer fell behind.",
	})
	promInboxOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_isotp_inbox_overruns_total",
		Help: "Total frames evicted from a full ISO-TP endpoint inbox.",
	})
	promSequenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_isotp_sequence_errors_total",
		Help: "Total aborted reassemblies due to a bad sequence counter.",
	})
	promUdsRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_uds_requests_total",
		Help: "Total diagnostic requests submitted.",
	})
	promUdsNegatives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_uds_negative_responses_total",
		Help: "Total negative responses received (excluding response-pending).",
	})
	promSchedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brightanalyze_scheduler_send_errors_total",
		Help: "Total scheduled transmissions that failed at the transport.",
	})
)

var (
	localFramesRx   atomic.Uint64
	localFramesTx   atomic.Uint64
	localObsDrops   atomic.Uint64
	localOverruns   atomic.Uint64
	localSeqErrors  atomic.Uint64
	localRequests   atomic.Uint64
	localNegatives  atomic.Uint64
	localSchedFails atomic.Uint64
)

// CounterSnapshot is a cheap copy of the local counters.
type CounterSnapshot struct {
	FramesRx        uint64
	FramesTx        uint64
	ObserverDrops   uint64
	InboxOverruns   uint64
	SequenceErrors  uint64
	UdsRequests     uint64
	UdsNegatives    uint64
	SchedSendErrors uint64
}

func Counters() CounterSnapshot {
	return CounterSnapshot{
		FramesRx:        localFramesRx.Load(),
		FramesTx:        localFramesTx.Load(),
		ObserverDrops:   localObsDrops.Load(),
		InboxOverruns:   localOverruns.Load(),
		SequenceErrors:  localSeqErrors.Load(),
		UdsRequests:     localRequests.Load(),
		UdsNegatives:    localNegatives.Load(),
		SchedSendErrors: localSchedFails.Load(),
	}
}

func incFramesRx()   { promFramesRx.Inc(); localFramesRx.Add(1) }
func incFramesTx()   { promFramesTx.Inc(); localFramesTx.Add(1) }
func incObsDrop()    { promObserverDrops.Inc(); localObsDrops.Add(1) }
func incOverrun()    { promInboxOverruns.Inc(); localOverruns.Add(1) }
func incSeqError()   { promSequenceErrors.Inc(); localSeqErrors.Add(1) }
func incUdsRequest() { promUdsRequests.Inc(); localRequests.Add(1) }
func incUdsNeg()     { promUdsNegatives.Inc(); localNegatives.Add(1) }
func incSchedError() { promSchedErrors.Inc(); localSchedFails.Add(1) }

// StartMetrics serves prometheus metrics at /metrics on addr.
func StartMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Infof("[METRICS] listening on %v", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("[METRICS] http server stopped : %v", err)
		}
	}()
	return srv
}
