package dispatch

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// upstreamPath appends the request path to the target's base path with
// exactly one slash between them.
func upstreamPath(basePath, reqPath string) string {
	return strings.TrimSuffix(basePath, "/") + "/" + strings.TrimPrefix(reqPath, "/")
}

// hopHeaders apply to a single connection and are never relayed.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopHeaders removes hop-by-hop fields and every field listed in
// Connection. "TE: trailers" survives on requests so upstream trailers still work.
func stripHopHeaders(h http.Header, request bool) {
	for _, line := range h.Values("Connection") {
		for _, name := range strings.Split(line, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	keepTE := request && strings.EqualFold(textproto.TrimString(h.Get("Te")), "trailers")
	for _, name := range hopHeaders {
		h.Del(name)
	}
	if keepTE {
		h.Set("Te", "trailers")
	}
}

// replaceHeaders overwrites dst with every field of src.
func replaceHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

// ClientIP is the host part of a RemoteAddr, or the address itself when it has no port.
func ClientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

// setForwarded records the client hop. Earlier X-Forwarded-For lines are
// merged into one list so no proxy in the chain is lost.
func setForwarded(h http.Header, r *http.Request) {
	if ip := ClientIP(r.RemoteAddr); ip != "" {
		chain := append(h.Values("X-Forwarded-For"), ip)
		h.Set("X-Forwarded-For", strings.Join(chain, ", "))
	}
	h.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
}
