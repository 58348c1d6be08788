package capture

import (
	"context"
	"net"
	"net/url"
	"time"
)

// Prober checks whether the camera host answers at all. It only labels
// disconnects; rotation never depends on it.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// TCPProber measures the connect round trip to the RTSP port.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context) (time.Duration, error) {
	d := net.Dialer{Timeout: p.Timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, nil
}

// ProbeAddr returns host:port of an RTSP URL, defaulting to port 554.
func ProbeAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "554"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
