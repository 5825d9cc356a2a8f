package llm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"syscall"
)

// classify maps an http.Client.Do failure onto a Category.
func classify(ctx context.Context, err error) *TransportError {
	te := &TransportError{Message: err.Error(), Err: err}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		te.Category = ThreadInterrupted
	case errors.Is(err, syscall.ECONNREFUSED):
		te.Category = ConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH), isDNSError(err):
		te.Category = NetworkUnreachable
	case isTLSError(err):
		te.Category = SSLError
	case isTimeout(err):
		if isDialError(err) {
			te.Category = ConnectionTimeout
		} else {
			te.Category = ReadTimeout
		}
	case isURLError(err):
		te.Category = ResourceAccess
	default:
		te.Category = GenericError
	}
	return te
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && !dnsErr.IsTimeout
}

func isURLError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isTLSError(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		alertErr   tls.AlertError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &alertErr)
}
