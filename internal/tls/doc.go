// Package tls is the certificate store of the proxy.
//
// It loads the server certificate, private key and trusted CA chain once
// at startup, verifies client (smartcard) certificates during the
// handshake, builds the server tls.Config and exposes TLS metrics.
//
// Loading is all-or-nothing: a missing, unreadable or malformed file, or
// a key that does not match the certificate, yields a *CertificateError
// and the proxy never binds its port.
//
//	bundle, err := tls.LoadBundle(cfg.TLS.Paths())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	verifier := tls.NewClientVerifier(bundle.ClientCAs())
//	serverCfg, err := tls.NewServerConfig(bundle, verifier, tls.ServerOptions{})
//
// Certificate material is never reloaded at runtime. A ChangeWatcher only
// reports that files changed and a restart is needed.
package tls
