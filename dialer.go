package torsupervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// socksAddr asks the daemon for its SOCKS listener address over the
// control connection and returns "" if that query fails. Only
// Dialer/HTTPClient consume it.
func (o *Orchestrator) socksAddr() string {
	// The supervisor doesn't expose its allocated SOCKS port directly
	// since the facade never needs it for control purposes; readers of
	// this supplement re-derive it from GETINFO the same way a host
	// would query any other daemon runtime fact.
	info, err := o.client.GetInfo("net/listeners/socks")
	if err != nil {
		return ""
	}
	return info["net/listeners/socks"]
}

// Dialer returns a SOCKS5 dialer routed through the daemon's own
// SOCKSPort, the same convenience-wrapper shape as apimgr-vidveil's
// TorClient, for hosts that want to make outbound requests through the
// already-running daemon. Returns an error if the daemon isn't running.
func (o *Orchestrator) Dialer() (proxy.Dialer, error) {
	addr := o.socksAddr()
	if addr == "" {
		return nil, fmt.Errorf("torsupervisor: daemon not running or SOCKS listener unavailable")
	}
	return proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
}

// HTTPClient returns an *http.Client whose transport dials through the
// daemon's SOCKS5 listener.
func (o *Orchestrator) HTTPClient(timeout time.Duration) (*http.Client, error) {
	d, err := o.Dialer()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		},
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
