// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProviderRequests counts player_api calls by action and outcome (ok, degraded, failed).
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_client_provider_requests_total",
	Help: "Provider API calls by action and outcome",
}, []string{"action", "outcome"})

// CatalogItems is the size of the last fetched catalog per group.
var CatalogItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_client_catalog_items",
	Help: "Items in the current catalog",
}, []string{"group"})

// SeriesCacheLookups counts series info lookups by result (hit, miss).
var SeriesCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_client_series_cache_lookups_total",
	Help: "Series info cache lookups",
}, []string{"result"})

// PlaybackStates counts playback session transitions by target state.
var PlaybackStates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_client_playback_transitions_total",
	Help: "Playback session state transitions",
}, []string{"state"})

// PlaybackRetries counts automatic playback retries by reason (network, relay, media).
var PlaybackRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_client_playback_retries_total",
	Help: "Automatic playback retries",
}, []string{"reason"})

// RelayRequests counts relayed requests by status class (2xx, 4xx, 5xx) or by outcome
// (error, rejected, limited).
var RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_client_relay_requests_total",
	Help: "Relay requests by status class",
}, []string{"status"})

// RelayBytes counts bytes written to relay clients.
var RelayBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_client_relay_bytes_total",
	Help: "Bytes sent to relay clients",
})
