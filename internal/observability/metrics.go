package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "assignments_matched_total",
		Help: "Assignments successfully matched to a courier"})
	AssignmentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "assignments_failed_total",
		Help: "Assignment requests that produced no assignment"},
		[]string{"reason"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "courier_dispatch", Name: "match_latency_seconds",
		Help: "Courier matching latency"})

	PingsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "pings_accepted_total",
		Help: "Tracking pings accepted and stored"})
	PingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "pings_rejected_total",
		Help: "Tracking pings rejected at validation"},
		[]string{"reason"})

	RoomsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier_dispatch", Name: "tracking_rooms_open",
		Help: "Tracking rooms currently open"})
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "broadcasts_sent_total",
		Help: "Room broadcasts delivered"})
	BroadcastsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "broadcasts_failed_total",
		Help: "Room broadcasts that failed to deliver"})

	OptimizationsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "optimizations_total",
		Help: "Route optimization runs by source"},
		[]string{"source"})
	ProviderFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "provider_fallbacks_total",
		Help: "External routing provider failures that fell back to the heuristic"})
	RouteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier_dispatch", Name: "route_cache_hits_total",
		Help: "Optimization requests served from cache"})

	CouriersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier_dispatch", Name: "couriers_online",
		Help: "Couriers currently reporting locations"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courier_dispatch", Name: "http_requests_total",
			Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
