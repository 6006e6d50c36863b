package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Keys for the outcome label.
const (
	Fail = "fail"
	Ok   = "ok"
)

var transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agenda_storage_transactions_total",
	Help: "Cumulative number of storage transactions, by collection, mode and outcome.",
}, []string{"collection", "mode", "outcome"})

func observeTransaction(collection string, mode Mode, err error) {
	outcome := Ok
	if err != nil {
		outcome = Fail
	}
	transactionsTotal.WithLabelValues(collection, mode.String(), outcome).Inc()
}
