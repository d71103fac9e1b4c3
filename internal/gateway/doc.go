// Package gateway wires the mTLS proxy together.
//
// New loads the certificate bundle and builds every component before
// anything is bound, so a bad certificate never leaves a half started
// process behind. Start binds the TLS listener and the operator server;
// Stop drains both.
//
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
//	if err != nil {
//	    logger.Fatal("failed to create gateway", observability.Error(err))
//	}
//
//	if err := gw.Start(ctx); err != nil {
//	    logger.Fatal("failed to start gateway", observability.Error(err))
//	}
//	defer gw.Stop(ctx)
package gateway
