// Package proxy forwards requests of proxied applications to their
// configured back-ends, keeping streaming bodies and headers intact.
package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler reverse-proxies one application to its upstream.
type Handler struct {
	rp           *httputil.ReverseProxy
	target       *url.URL
	hostOverride string
}

// newTransport builds the pooled upstream transport. Upstreams are
// spoken to over HTTP/1.1 so that hop semantics match what the
// back-end applications expect.
func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New builds a proxy handler for an upstream declared as forward_to.
// An https:// prefix selects TLS to the upstream; anything else is
// plain HTTP. publicScheme and publicAuthority describe how clients
// reach the service, used to rewrite upstream redirects.
func New(forwardTo, publicScheme, publicAuthority string) (*Handler, error) {
	scheme := "http"
	authority := forwardTo
	if strings.HasPrefix(forwardTo, "https://") {
		scheme = "https"
		authority = strings.TrimPrefix(forwardTo, "https://")
	} else {
		authority = strings.TrimPrefix(forwardTo, "http://")
	}
	target, err := url.Parse(scheme + "://" + authority)
	if err != nil {
		return nil, err
	}

	h := &Handler{target: target}
	// When the upstream authority carries no port, the back-end is a
	// name-routed service that needs the Host header to match it.
	if target.Port() == "" {
		h.hostOverride = target.Host
	}

	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			if h.hostOverride != "" {
				pr.Out.Host = h.hostOverride
			}
			pr.SetXForwarded()
		},
		Transport: newTransport(),
		ModifyResponse: func(resp *http.Response) error {
			rewriteLocation(resp, target.Host, publicScheme, publicAuthority)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("upstream", target.Host).Str("uri", r.RequestURI).Msg("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.rp.ServeHTTP(w, r)
}

// rewriteLocation points upstream redirects back at the public scheme
// and authority of the service, so clients never see the internal
// upstream address. Back-ends often redirect to a name resolving to
// themselves, so any Location authority containing the upstream
// authority is rewritten.
func rewriteLocation(resp *http.Response, upstream, publicScheme, public string) {
	location := resp.Header.Get("Location")
	if location == "" {
		return
	}
	u, err := url.Parse(location)
	if err != nil || !strings.Contains(u.Host, upstream) {
		return
	}
	u.Scheme = publicScheme
	u.Host = public
	resp.Header.Set("Location", u.String())
}
