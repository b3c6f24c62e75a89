// Package prometheus renders authcore engine metrics in the Prometheus text exposition
// format. Counters are named authcore_*_total; the validate and refresh latencies are
// histograms. Mount [Exporter.Handler] wherever the scraper expects it.
package prometheus
