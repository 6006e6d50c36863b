package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Values of the X-Cache response header, also used as metric labels.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheFallback = "fallback"
	CacheBypass   = "bypass"
)

var (
	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenda_offline_responses_total",
		Help: "Cumulative number of intercepted requests, by how they were answered.",
	}, []string{"source"})
	networkFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenda_offline_network_failures_total",
		Help: "Cumulative number of origin fetches which failed to produce a response.",
	})
	installAssetFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agenda_offline_install_asset_failures_total",
		Help: "Cumulative number of manifest assets which could not be cached at install, by class.",
	}, []string{"class"})
	installedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenda_offline_installed_bytes_total",
		Help: "Cumulative number of asset bytes written to cache generations at install.",
	})
	generationsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agenda_offline_generations_deleted_total",
		Help: "Cumulative number of superseded cache generations deleted at activation.",
	})
)
