// The metrics package defines prometheus metric types and provides
// convenience methods to add accounting to various parts of a Gattlink
// stack's processing.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or going out of the system: frames, acks, resets.
//  - the success or error status of any of the above.
//  - the distribution of processing latency or size.
package metrics

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupPrometheus(promPort int) {
	if promPort <= 0 {
		log.Println("Not exporting prometheus metrics")
		return
	}

	// Define a custom serve mux for prometheus to listen on a separate port,
	// so it can be forwarded independently of any application port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	prometheus.MustRegister(RetransmitDelayMsecSummary)
	prometheus.MustRegister(OutstandingFramesSummary)
	prometheus.MustRegister(IncomingBufferSizeSummary)

	prometheus.MustRegister(FrameSizeHistogram)
	prometheus.MustRegister(StallDurationMsecHistogram)

	prometheus.MustRegister(FramesSentCount)
	prometheus.MustRegister(FramesRetransmittedCount)
	prometheus.MustRegister(FramesDroppedCount)
	prometheus.MustRegister(SessionResetCount)
	prometheus.MustRegister(ErrorCount)
	prometheus.MustRegister(WarningCount)
	prometheus.MustRegister(EventLogFileCount)

	port := fmt.Sprintf(":%d", promPort)
	log.Println("Exporting prometheus metrics on", port)
	go http.ListenAndServe(port, mux)
}

var (
	// RetransmitDelayMsecSummary measures the retransmit timer's backed-off
	// delay (in msec) at the moment it fires, by session role.
	// Provides metrics:
	//    gattlink_Retransmit_Delay_Msec_Summary
	// Example usage:
	//    metrics.RetransmitDelayMsecSummary.With(prometheus.Labels{"role": "hub"}).Observe(float64)
	RetransmitDelayMsecSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "gattlink_Retransmit_Delay_Msec_Summary",
		Help: "Retransmit timer delay, in milliseconds, sampled whenever it fires.",
	}, []string{"role"})

	// OutstandingFramesSummary tracks the sliding-window occupancy (number
	// of unacknowledged frames) over time.
	// Provides metrics:
	//    gattlink_Outstanding_Frames_Summary
	OutstandingFramesSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "gattlink_Outstanding_Frames_Summary",
		Help: "Number of outstanding (unacknowledged) frames, sampled after every send.",
	}, []string{"role"})

	// IncomingBufferSizeSummary measures the size of the protocol's
	// in-order incoming byte store.
	// Provides metrics:
	//    gattlink_Incoming_Buffer_Size_Summary
	IncomingBufferSizeSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "gattlink_Incoming_Buffer_Size_Summary",
		Help: "Number of bytes buffered awaiting consumption by the client.",
	})

	// ErrorCount measures the number of processing errors by source.
	// Provides metrics:
	//    gattlink_Error_Count
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"source": "assembler"}).Inc()
	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gattlink_Error_Count",
			Help: "The total number of errors encountered.",
		}, []string{"source"})

	// WarningCount measures the number of processing warnings by source.
	// Provides metrics:
	//    gattlink_Warning_Count
	WarningCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gattlink_Warning_Count",
			Help: "The total number of warnings encountered.",
		}, []string{"source"})

	// EventLogFileCount counts the number of per-session event-log files created.
	//
	// Provides metrics:
	//   gattlink_New_Event_Log_File_Count
	EventLogFileCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gattlink_New_Event_Log_File_Count",
			Help: "Number of per-session diagnostic CSV files created.",
		},
	)

	// FramesSentCount counts data frames handed to the raw transport on
	// their first send; retransmits are counted by FramesRetransmittedCount.
	FramesSentCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gattlink_Frames_Sent_Count",
			Help: "Number of data frames sent.",
		}, []string{"role"})

	// FramesRetransmittedCount counts frames re-sent by the retransmit timer.
	FramesRetransmittedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gattlink_Frames_Retransmitted_Count",
			Help: "Number of data frames retransmitted after timeout.",
		}, []string{"role"})

	// FramesDroppedCount counts data frames dropped on receipt, e.g. for
	// an out-of-sequence PSN.
	FramesDroppedCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gattlink_Frames_Dropped_Count",
			Help: "Number of received data frames dropped (PSN gap).",
		}, []string{"reason"})

	// SessionResetCount counts RESET_REQ/RESET_CONF-triggered resets, by
	// which side initiated them.
	SessionResetCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gattlink_Session_Reset_Count",
			Help: "Number of Gattlink session resets.",
		}, []string{"initiator"})

	// FrameSizeHistogram provides a histogram of data-frame payload
	// sizes, bucketed for the small fragment sizes a Gattlink transport
	// typically carries (20-244 bytes; spec.md §6).
	FrameSizeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gattlink_frame_payload_size_bytes",
			Help:    "Data-frame payload size distribution.",
			Buckets: []float64{0, 8, 16, 32, 64, 128, 192, 244, 512, math.Inf(+1)},
		},
		[]string{"role"},
	)

	// StallDurationMsecHistogram provides a histogram of the elapsed stall
	// time (outstanding frames, no ack) reported by each SessionStalled
	// notification; a stall lasting several seconds is sampled once a second.
	StallDurationMsecHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gattlink_stall_duration_msec",
			Help: "Elapsed stall time at each SessionStalled notification, in milliseconds.",
			Buckets: []float64{
				1000, 2000, 4000, 8000, 16000, 32000, 64000,
				math.Inf(+1),
			},
		},
		[]string{"role"},
	)
)
