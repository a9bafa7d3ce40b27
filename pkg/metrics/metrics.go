package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmlmgr_workers_total",
			Help: "Total number of workers by template and status",
		},
		[]string{"template", "status"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmlmgr_instances_total",
			Help: "Total number of lablet instances by state",
		},
		[]string{"state"},
	)

	DefinitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmlmgr_definitions_total",
			Help: "Total number of lablet definitions",
		},
	)

	PortsAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmlmgr_ports_allocated",
			Help: "Ports currently allocated per worker",
		},
		[]string{"worker_id"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cmlmgr_scheduling_latency_seconds",
			Help:    "Time taken by one scheduler cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmlmgr_instances_placed_total",
			Help: "Total number of instances placed on workers",
		},
	)

	PlacementsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmlmgr_placements_failed_total",
			Help: "Total number of placement attempts that found no eligible worker",
		},
	)

	// Controller metrics
	ScaleUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmlmgr_scale_ups_total",
			Help: "Total number of scale-up actions by template",
		},
		[]string{"template"},
	)

	ScaleDowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmlmgr_scale_downs_total",
			Help: "Total number of drain actions by template",
		},
		[]string{"template"},
	)

	// Pipeline metrics
	InstantiationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cmlmgr_instantiation_duration_seconds",
			Help:    "End-to-end instantiation pipeline duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	InstantiationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmlmgr_instantiations_failed_total",
			Help: "Total number of instantiation pipelines that ended in termination",
		},
	)

	// Leadership metrics
	IsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmlmgr_is_leader",
			Help: "Whether this node holds the lease (1 = leader) by service",
		},
		[]string{"service"},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmlmgr_events_published_total",
			Help: "Total number of domain events published by type",
		},
		[]string{"type"},
	)

	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmlmgr_sse_subscribers",
			Help: "Currently connected SSE subscribers",
		},
	)

	SSEDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmlmgr_sse_subscribers_dropped_total",
			Help: "Subscribers dropped for queue overflow",
		},
	)

	CloudEventsOutbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmlmgr_cloudevents_outbound_total",
			Help: "Outbound CloudEvents by result",
		},
		[]string{"result"},
	)

	CloudEventsInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmlmgr_cloudevents_inbound_total",
			Help: "Inbound CloudEvents by type and result",
		},
		[]string{"type", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(DefinitionsTotal)
	prometheus.MustRegister(PortsAllocated)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(InstancesPlaced)
	prometheus.MustRegister(PlacementsFailed)
	prometheus.MustRegister(ScaleUps)
	prometheus.MustRegister(ScaleDowns)
	prometheus.MustRegister(InstantiationDuration)
	prometheus.MustRegister(InstantiationsFailed)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(SSEDropped)
	prometheus.MustRegister(CloudEventsOutbound)
	prometheus.MustRegister(CloudEventsInbound)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
