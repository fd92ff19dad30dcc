package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/luca-patrignani/bcast-bench/metrics"
)

type PeerOption func(*Peer)

// NewPeerWithOptions creates a peer that is not serving yet; call Start once
// the listener for Addresses[rank] is available.
// The keys of addresses must be exactly the ranks 0..len(addresses)-1.
func NewPeerWithOptions(rank int, addresses map[int]string, opts ...PeerOption) (*Peer, error) {
	if err := checkAddresses(rank, addresses); err != nil {
		return nil, err
	}
	p := &Peer{
		Rank:      rank,
		Addresses: copyMap(addresses),
		client:    &http.Client{},
		handler:   newMessageHandler(len(addresses)),
		logger:    slog.Default(),
		seq:       make(map[channel]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.server = &http.Server{
		Addr:              addresses[rank],
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p, nil
}

func (p *Peer) Start(l net.Listener) {
	if p.tlsConfig != nil {
		l = tls.NewListener(l, p.tlsConfig)
	}
	go func() {
		err := p.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("peer server stopped", "rank", p.Rank, "error", err)
			p.handler.abort(fmt.Errorf("%w: %w", ErrAborted, err))
		}
	}()
}

// WithTimeout bounds every blocking operation. Zero means wait forever.
func WithTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.timeout = timeout
		p.client.Timeout = timeout
	}
}

func WithCertificate(cert tls.Certificate) PeerOption {
	return func(p *Peer) {
		p.ensureTLS()
		p.tlsConfig.Certificates = append(p.tlsConfig.Certificates, cert)
	}
}

func WithLimitedCAs(certPool *x509.CertPool) PeerOption {
	return func(p *Peer) {
		p.ensureTLS()
		p.tlsConfig.RootCAs = certPool
		p.tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		p.tlsConfig.ClientCAs = certPool
	}
}

func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) PeerOption {
	return func(p *Peer) {
		p.metrics = m
	}
}

func (p *Peer) ensureTLS() {
	if p.tlsConfig != nil {
		return
	}
	p.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	p.client.Transport = &http.Transport{
		TLSClientConfig: p.tlsConfig,
	}
}
