// Package api hosts the HTTP control surface of the harvester. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/run/inspect, /v1/run/start, /v1/run/stop and /v1/run/pool to
//     drive the run lifecycle.
//   - GET /v1/run/status, /v1/run/logs and /v1/run/events to watch it.
//   - GET /v1/partitions to list the sheets of an input workbook.
package api
