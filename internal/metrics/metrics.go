package metrics

import (
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    providerReqs = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "provider_requests_total",
            Help:      "Total recognition provider requests by provider and result",
        },
        []string{"provider", "result"},
    )

    providerLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "pagereader",
            Name:      "provider_request_duration_seconds",
            Help:      "Duration of recognition provider requests",
            Buckets:   prometheus.DefBuckets,
        },
        []string{"provider"},
    )

    extractions = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "page_extractions_total",
            Help:      "Page text extractions by mode and result (text, empty, failed)",
        },
        []string{"mode", "result"},
    )

    cacheRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "cache_requests_total",
            Help:      "Page cache lookups by outcome (hit, wait, miss)",
        },
        []string{"outcome"},
    )

    cacheResolved = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Namespace: "pagereader",
            Name:      "cache_pages",
            Help:      "Resolved and total pages of the open sessions",
        },
        []string{"session", "kind"},
    )

    prefetchIssued = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "prefetch_issued_total",
            Help:      "Background page extractions started by prefetch",
        },
    )

    breakerEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "breaker_events_total",
            Help:      "Circuit breaker events by provider and action",
        },
        []string{"provider", "action"},
    )

    playbackTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "playback_transitions_total",
            Help:      "Playback state transitions",
        },
        []string{"from", "to"},
    )

    narrationErrors = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "pagereader",
            Name:      "narration_errors_total",
            Help:      "Narration engine errors",
        },
    )
)

// Init registers collectors.
func Init() {
    prometheus.MustRegister(providerReqs, providerLatency, extractions, cacheRequests, cacheResolved,
        prefetchIssued, breakerEvents, playbackTransitions, narrationErrors)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveProvider(provider, result string, dur time.Duration) {
    providerReqs.WithLabelValues(provider, result).Inc()
    providerLatency.WithLabelValues(provider).Observe(dur.Seconds())
}

func IncExtraction(mode, result string) { extractions.WithLabelValues(mode, result).Inc() }
func IncCache(outcome string)           { cacheRequests.WithLabelValues(outcome).Inc() }
func IncPrefetch()                      { prefetchIssued.Inc() }
func IncNarrationError()                { narrationErrors.Inc() }

func SetCachePages(session string, resolved, total int) {
    cacheResolved.WithLabelValues(session, "resolved").Set(float64(resolved))
    cacheResolved.WithLabelValues(session, "total").Set(float64(total))
}

// DropSession removes the gauges of a closed session.
func DropSession(session string) {
    cacheResolved.DeleteLabelValues(session, "resolved")
    cacheResolved.DeleteLabelValues(session, "total")
}

func BreakerOpened(provider string) { breakerEvents.WithLabelValues(provider, "opened").Inc() }
func BreakerClosed(provider string) { breakerEvents.WithLabelValues(provider, "closed").Inc() }

func Transition(from, to string) { playbackTransitions.WithLabelValues(from, to).Inc() }
