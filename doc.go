// Package sentinel implements a TLS-intercepting forward proxy.
//
// The proxy terminates inbound TLS using leaf certificates issued on
// demand by a locally managed root CA, checks the target hostname
// against a domain blocklist, dials the real destination, and relays
// bytes in both directions. Clients must trust the proxy's root
// certificate for interception to work.
//
// Basic usage:
//
//	cfg := sentinel.DefaultConfig()
//
//	ca := sentinel.NewCAManager(cfg.TLS)
//	if err := ca.InitRootCA(); err != nil {
//	    log.Fatal(err)
//	}
//
//	blocker := sentinel.NewDomainBlocker(sentinel.NewStaticLoader("ads.example.com"))
//	if err := blocker.Initialize(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	pool := sentinel.NewBufferPool(cfg.Pool.SmallCapacity, cfg.Pool.MediumCapacity, cfg.Pool.LargeCapacity)
//	srv := sentinel.NewServer(cfg, ca, blocker, pool, sentinel.NewMetrics(), sentinel.NewSessionLogger(slog.Default()))
//
//	log.Fatal(srv.Run(context.Background()))
package sentinel
