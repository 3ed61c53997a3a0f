// Package metrics exposes gateway activity as Prometheus collectors.
//
// Collector implements the gateway's Metrics hook for counters and reads
// gauges (pending commands, connected devices, observer subscriptions) from
// the gateway's Stats on every scrape. It owns a private registry so tests
// and multiple gateways never collide on the default one.
package metrics
