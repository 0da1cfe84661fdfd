package client

import (
	"bytes"
	"context"
	stdtls "crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// RequestResult holds the timing and status of a request
type RequestResult struct {
	StartTime            time.Time     `json:"start_time"`
	DNSStart             time.Duration `json:"dns_start"`
	DNSDone              time.Duration `json:"dns_done"`
	ConnectStart         time.Duration `json:"connect_start"`
	ConnectDone          time.Duration `json:"connect_done"` // TCP Handshake complete
	TLSHandshakeStart    time.Duration `json:"tls_start"`
	TLSHandshakeDone     time.Duration `json:"tls_done"`
	WroteRequest         time.Duration `json:"wrote_request"` // Time when request was fully written
	GotFirstResponseByte time.Duration `json:"ttfb"`
	TotalDuration        time.Duration `json:"total_duration"`
	StatusCode           int           `json:"status_code"`
	Protocol             string        `json:"protocol"`
	ConnectionReused     bool          `json:"connection_reused"`
	Error                string        `json:"error,omitempty"`
	Body                 []byte        `json:"-"`
}

// Options configures a LowLatencyClient. Zero timeouts take defaults.
type Options struct {
	// Proxy is an optional socks5:// or socks5h:// URL used for every dial.
	Proxy          string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// InsecureSkipVerify disables certificate checks. Diagnostics only.
	InsecureSkipVerify bool
}

// LowLatencyClient sends the account requests over a keep-alive HTTP/1.1
// connection with an okhttp TLS fingerprint.
type LowLatencyClient struct {
	client *http.Client
	opts   Options
}

// NewLowLatencyClient builds a client with the okhttp TLS fingerprint,
// optionally dialing through a SOCKS5 proxy.
func NewLowLatencyClient(opts Options) (*LowLatencyClient, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	tr, err := newFingerprintedTransport(opts)
	if err != nil {
		return nil, err
	}
	return &LowLatencyClient{
		client: &http.Client{
			Transport: tr,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
		opts: opts,
	}, nil
}

func newFingerprintedTransport(opts Options) (*http.Transport, error) {
	dial, err := newDialer(opts)
	if err != nil {
		return nil, err
	}

	return &http.Transport{
		DialContext: dial,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, _ := net.SplitHostPort(addr)

			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			// HelloCustom with the okhttp preset, ALPN trimmed to http/1.1 so the
			// server never negotiates h2 on a connection http.Transport reads as H1.
			uConn := utls.UClient(conn, &utls.Config{
				ServerName:         host,
				InsecureSkipVerify: opts.InsecureSkipVerify,
				NextProtos:         []string{"http/1.1"},
			}, utls.HelloCustom)

			spec, err := utls.UTLSIdToSpec(utls.HelloAndroid_11_OkHttp)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to get utls spec: %w", err)
			}
			for i, ext := range spec.Extensions {
				if alpn, ok := ext.(*utls.ALPNExtension); ok {
					alpn.AlpnProtocols = []string{"http/1.1"}
					spec.Extensions[i] = alpn
				}
			}
			if err := uConn.ApplyPreset(&spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to apply preset: %w", err)
			}

			hctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
			if err := uConn.HandshakeContext(hctx); err != nil {
				conn.Close()
				return nil, err
			}
			return uConn, nil
		},
		ForceAttemptHTTP2:     false,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ReadTimeout,
		// Accept-Encoding is set by hand; bodies are decoded in readBody.
		DisableCompression: true,
	}, nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// newDialer returns a direct dialer, or one tunnelling through the SOCKS5
// proxy when configured.
func newDialer(opts Options) (dialFunc, error) {
	direct := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if opts.Proxy == "" {
		return direct.DialContext, nil
	}
	u, err := url.Parse(opts.Proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

// Prewarm opens the connection to the host of rawURL ahead of time so the
// TCP and TLS handshakes are not paid for on the submission itself.
func (c *LowLatencyClient) Prewarm(ctx context.Context, rawURL string) (*RequestResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	root := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
	res, err := c.ExecuteRequestWithHeaders(ctx, http.MethodHead, root, nil, map[string]string{
		"User-Agent": UserAgent,
		"Connection": "keep-alive",
	})
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return res, fmt.Errorf("prewarm %s: %s", u.Host, res.Error)
	}
	return res, nil
}

// CloseIdleConnections drops pooled keep-alive connections.
func (c *LowLatencyClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// ExecuteRequestWithHeaders sends one request and records its phase timings.
// Transport failures are reported in RequestResult.Error, not as an error;
// the error return is reserved for requests that could not be built.
func (c *LowLatencyClient) ExecuteRequestWithHeaders(ctx context.Context, method, url string, body []byte, headers map[string]string) (*RequestResult, error) {
	var start time.Time
	var dnsStart, dnsDone, connStart, connDone, tlsStart, tlsDone, wroteReq, firstByte time.Time
	var reused bool

	trace := &httptrace.ClientTrace{
		DNSStart:             func(_ httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:              func(_ httptrace.DNSDoneInfo) { dnsDone = time.Now() },
		ConnectStart:         func(_, _ string) { connStart = time.Now() },
		ConnectDone:          func(network, addr string, err error) { connDone = time.Now() },
		TLSHandshakeStart:    func() { tlsStart = time.Now() },
		TLSHandshakeDone:     func(_ stdtls.ConnectionState, _ error) { tlsDone = time.Now() },
		WroteRequest:         func(_ httptrace.WroteRequestInfo) { wroteReq = time.Now() },
		GotFirstResponseByte: func() { firstByte = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			reused = info.Reused
		},
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start = time.Now()
	resp, err := c.client.Do(req)
	total := time.Since(start)

	result := &RequestResult{
		StartTime:     start,
		TotalDuration: total,
	}

	since := func(t time.Time) time.Duration {
		if t.IsZero() {
			return 0
		}
		return t.Sub(start)
	}
	result.DNSStart = since(dnsStart)
	result.DNSDone = since(dnsDone)
	result.ConnectStart = since(connStart)
	result.ConnectDone = since(connDone)
	// Zero for fingerprinted connections: that handshake runs inside the dialer.
	result.TLSHandshakeStart = since(tlsStart)
	result.TLSHandshakeDone = since(tlsDone)
	result.WroteRequest = since(wroteReq)
	result.GotFirstResponseByte = since(firstByte)
	result.ConnectionReused = reused

	if err != nil {
		result.Error = err.Error()
		result.Body = []byte{}
		return result, nil
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Protocol = resp.Proto

	b, err := readBody(resp)
	if err != nil {
		result.Error = fmt.Sprintf("read body: %v", err)
	}
	result.Body = b
	result.TotalDuration = time.Since(start)
	return result, nil
}
