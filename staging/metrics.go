package staging

import "github.com/prometheus/client_golang/prometheus"

var (
	queueOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memrun_staging_queue_occupancy",
			Help: "Approximate number of items in a staging queue.",
		},
		[]string{"queue"},
	)

	batchesLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memrun_staging_batches_loaded_total",
			Help: "Total number of batches the loader has pushed into a staging queue.",
		},
		[]string{"queue"},
	)

	triggerArmed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memrun_staging_trigger_armed",
			Help: "Whether the load trigger is currently armed (1) or cleared (0).",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(queueOccupancy)
	prometheus.MustRegister(batchesLoaded)
	prometheus.MustRegister(triggerArmed)
}
