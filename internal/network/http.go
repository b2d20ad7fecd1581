package network

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SocksProxy is the optional SOCKS5 egress for outbound webhook delivery.
type SocksProxy struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// NewClient returns an http client with the given timeout. If socks is
// non-nil, all dials go through the proxy; a broken proxy config falls back
// to a direct client rather than taking the service down.
func NewClient(timeout time.Duration, socks *SocksProxy) *http.Client {
	client := &http.Client{
		Timeout: timeout,
	}
	if socks == nil {
		return client
	}
	proxyURL, _ := url.Parse(socks.Host)
	specialTransport := &http.Transport{}
	specialTransport.Proxy = http.ProxyURL(proxyURL)
	var auth *proxy.Auth
	if socks.Username != "" && socks.Password != "" {
		auth = &proxy.Auth{User: socks.Username, Password: socks.Password}
	}
	d, err := proxy.SOCKS5("tcp", socks.Host, auth, &net.Dialer{
		Timeout:   20 * time.Second,
		KeepAlive: -1,
	})
	if err != nil {
		log.Errorln(err)
		return client
	}
	specialTransport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
	client.Transport = specialTransport
	return client
}
