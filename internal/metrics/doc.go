// Package metrics provides the observability hooks of the build driver.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics cost nothing unless a real implementation is
// wired in:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	d := driver.New(p, cache, driver.Options{Recorder: recorder})
//
// PrometheusRecorder registers its collectors on the supplied registry and
// HTTPHandler exposes that registry for scraping (used by the watch command).
package metrics
