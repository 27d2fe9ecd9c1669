// Package metrics exposes Prometheus collectors for the UPnP node.
//
// A single Metrics value observes the transport (datagrams received and
// dropped, HTTP requests served), the protocol factory (executions and
// unhandled messages), outgoing GENA subscriptions and the registry size.
// Everything is registered on a private registry together with the Go
// runtime and process collectors; Handler serves it for scraping.
//
//	m := metrics.New()
//	factory := transport.NewNetworkTransportFactory(cfg, logger, m)
//	svc.SetObserver(m)
//	router.Handle("/metrics", m.Handler())
package metrics
