package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalRequests tracks HTTP requests dispatched by the transport.
	TotalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "The total number of HTTP requests sent.",
	})
	// TotalRetries tracks retry attempts by status class.
	TotalRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retries_total",
		Help: "The total number of retry attempts by status class.",
	}, []string{"class"})
	// TotalCooldowns tracks pool-wide cooldowns after consecutive blocks.
	TotalCooldowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_cooldowns_total",
		Help: "The total number of pool-wide proxy cooldowns.",
	})
	// TotalPages tracks record pages fetched successfully.
	TotalPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pages_total",
		Help: "The total number of record pages fetched.",
	})
	// TotalRecords tracks records extracted and persisted.
	TotalRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_records_total",
		Help: "The total number of permit records extracted.",
	})
	// TotalJurisdictionsCompleted tracks jurisdictions finished with records.
	TotalJurisdictionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_jurisdictions_completed_total",
		Help: "The total number of jurisdictions completed.",
	})
	// TotalTypeAborts tracks project types abandoned after repeated page failures.
	TotalTypeAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_project_type_aborts_total",
		Help: "The total number of project types aborted after consecutive page failures.",
	})
)
