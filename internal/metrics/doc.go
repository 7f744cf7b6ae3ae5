// Package metrics provides Prometheus metric collection across HTTP,
// the LLM Gateway, the workflow engine's stages and researcher slots, the
// search cache, and the session store's database pool.
//
// Collector registers every Counter/Histogram/Gauge vector via promauto on
// construction, namespaced by the caller, and exposes one Record* method
// per metric group.
package metrics
