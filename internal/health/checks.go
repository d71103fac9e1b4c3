package health

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"time"
)

// ListenerCheck reports unhealthy while the TLS listener is not accepting.
func ListenerCheck(running func() bool) CheckFunc {
	return func(context.Context) Check {
		if running() {
			return Check{Status: StatusHealthy}
		}
		return Check{Status: StatusUnhealthy, Message: "tls listener is not running"}
	}
}

// CertificateExpiryCheck reports the server certificate lifetime. It is
// degraded within warn of expiry and unhealthy once expired.
func CertificateExpiryCheck(cert *x509.Certificate, warn time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) Check {
		remaining := cert.NotAfter.Sub(now())
		switch {
		case remaining <= 0:
			return Check{Status: StatusUnhealthy, Message: "server certificate expired at " + cert.NotAfter.UTC().Format(time.RFC3339)}
		case remaining < warn:
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("server certificate expires in %s", remaining.Round(time.Hour))}
		default:
			return Check{Status: StatusHealthy}
		}
	}
}

// TCPCheck dials address. An unreachable upstream only degrades
// readiness: other routes keep working.
func TCPCheck(address string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		dialer := &net.Dialer{Timeout: timeout}

		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("failed to connect: %v", err)}
		}
		_ = conn.Close()

		return Check{Status: StatusHealthy}
	}
}
