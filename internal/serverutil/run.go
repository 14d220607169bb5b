// Package serverutil runs an http.Server with context-driven graceful
// shutdown, shared by the API server and the agent's local endpoint.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig points at the certificate and key files for a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Options controls how Run hosts the server.
type Options struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound, before serving starts.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context ends.
const DefaultShutdownTimeout = 10 * time.Second

// Run binds the listener, serves until the context is cancelled, then shuts
// the server down gracefully within ShutdownTimeout.
func Run(ctx context.Context, opts Options) error {
	if opts.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (opts.TLS.CertFile == "") != (opts.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", opts.Server.Addr)
	if err != nil {
		return err
	}
	if opts.TLS.CertFile != "" {
		ln, err = wrapTLS(ln, opts)
		if err != nil {
			return err
		}
	}

	if opts.Ready != nil {
		close(opts.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- opts.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := opts.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}

func wrapTLS(ln net.Listener, opts Options) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(opts.TLS.CertFile, opts.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := opts.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	opts.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
