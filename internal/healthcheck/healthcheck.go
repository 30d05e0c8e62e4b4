// Package healthcheck probes back-end instances over the anonymous
// network's SOCKS5 proxy, off the main loop, posting results back through a
// single-consumer result queue.
package healthcheck

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// CheckType enumerates the supported probe kinds.
type CheckType string

const (
	CheckNone  CheckType = "none"
	CheckTCP   CheckType = "tcp"
	CheckHTTP  CheckType = "http"
	CheckHTTPS CheckType = "https"
)

// userAgent is the fixed user agent sent on HTTP/HTTPS probes.
const userAgent = "OnionBalance/1.0"

// maxResponseBytes bounds how much of an HTTP/HTTPS response body is read.
const maxResponseBytes = 1024

// Config describes one instance's health-check configuration.
type Config struct {
	Type    CheckType
	Port    int
	Path    string
	Timeout time.Duration
}

// Result is the outcome of a single probe.
type Result struct {
	OnionAddress string
	Healthy      bool
	Start        time.Time
	Duration     time.Duration
}

// Request is one unit of work submitted to the worker pool.
type Request struct {
	OnionAddress string
	Config       Config
}

// Prober runs each probe through a SOCKS5 proxy in its own goroutine,
// posting results to a bounded channel that the main loop drains each tick.
type Prober struct {
	socksAddress string
	results      chan Result
}

// New creates a Prober dialing through socksAddress (the Tor SOCKS port,
// default 127.0.0.1:9050). queueSize bounds the result channel, and should
// be at least the total instance count so a slow probe round can't block.
func New(socksAddress string, queueSize int) *Prober {
	return &Prober{
		socksAddress: socksAddress,
		results:      make(chan Result, queueSize),
	}
}

// Results returns the channel the main loop drains each tick.
func (p *Prober) Results() <-chan Result {
	return p.results
}

// Submit launches one probe in its own goroutine; its result is posted to
// Results() when it completes or times out. It never blocks the caller.
func (p *Prober) Submit(req Request) {
	go func() {
		p.results <- p.run(req)
	}()
}

func (p *Prober) run(req Request) Result {
	start := time.Now()

	if req.Config.Type == CheckNone || req.Config.Type == "" {
		return Result{OnionAddress: req.OnionAddress, Healthy: true, Start: start, Duration: 0}
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Config.Timeout)
	defer cancel()

	var healthy bool
	switch req.Config.Type {
	case CheckTCP:
		healthy = p.checkTCP(ctx, req)
	case CheckHTTP:
		healthy = p.checkHTTP(ctx, req, "http")
	case CheckHTTPS:
		healthy = p.checkHTTP(ctx, req, "https")
	}

	return Result{
		OnionAddress: req.OnionAddress,
		Healthy:      healthy,
		Start:        start,
		Duration:     time.Since(start),
	}
}

// dialContext dials addr through a SOCKS5 proxy, following the teacher's
// context-cancelable dial pattern: a goroutine performs the blocking dial
// while the caller races it against ctx.Done().
func (p *Prober) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", p.socksAddress, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building SOCKS5 dialer: %w", err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.Dial(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

func (p *Prober) checkTCP(ctx context.Context, req Request) bool {
	target := fmt.Sprintf("%s:%d", req.OnionAddress, req.Config.Port)
	conn, err := p.dialContext(ctx, "tcp", target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) checkHTTP(ctx context.Context, req Request, scheme string) bool {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return p.dialContext(ctx, network, addr)
		},
	}
	if scheme == "https" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- onion-service endpoint identity is the address itself, not the TLS cert chain.
	}

	client := &http.Client{Transport: transport}

	url := fmt.Sprintf("%s://%s:%d%s", scheme, req.OnionAddress, req.Config.Port, req.Config.Path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	_, _ = io.CopyN(io.Discard, resp.Body, maxResponseBytes)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
