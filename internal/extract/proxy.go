package extract

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
)

// Endpoint is one upstream proxy in the pool. Endpoints are stateless
// and interchangeable; the pool shares one host and credential set and
// rotates across ports.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the endpoint as an http proxy URL with embedded credentials.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// ProxyRotator selects proxy endpoints round-robin. Selection never
// fails; a selected endpoint failing upstream is the transport's
// concern. The cursor is the rotator's only state and advances exactly
// once per Next call, so rotation stays duplicate-free if the pipeline
// is ever parallelized.
type ProxyRotator struct {
	endpoints []Endpoint
	cursor    atomic.Uint64
}

// NewProxyRotator builds a rotator over one port-rotated proxy host.
func NewProxyRotator(host string, ports []int, username, password string) (*ProxyRotator, error) {
	if host == "" {
		return nil, fmt.Errorf("proxy host is required")
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("at least one proxy port is required")
	}
	endpoints := make([]Endpoint, 0, len(ports))
	for _, port := range ports {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid proxy port %d", port)
		}
		endpoints = append(endpoints, Endpoint{
			Host:     host,
			Port:     port,
			Username: username,
			Password: password,
		})
	}
	return &ProxyRotator{endpoints: endpoints}, nil
}

// Next returns the next endpoint in rotation.
func (r *ProxyRotator) Next() Endpoint {
	n := r.cursor.Add(1) - 1
	return r.endpoints[n%uint64(len(r.endpoints))]
}

// Size reports the pool size.
func (r *ProxyRotator) Size() int {
	return len(r.endpoints)
}
