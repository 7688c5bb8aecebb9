package dispatch

import (
	"fmt"
	"net/http"
)

// Kind classifies a per-request failure.
type Kind int

const (
	RouteNotFound Kind = iota + 1
	UpstreamTimeout
	UpstreamTransportError
	StaticAssetNotFound
	StaticAssetUnreadable
	RateLimitExceeded
	RequestTooLarge
	MethodNotAllowed
)

func (k Kind) String() string {
	switch k {
	case RouteNotFound:
		return "route_not_found"
	case UpstreamTimeout:
		return "upstream_timeout"
	case UpstreamTransportError:
		return "upstream_transport_error"
	case StaticAssetNotFound:
		return "static_asset_not_found"
	case StaticAssetUnreadable:
		return "static_asset_unreadable"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case RequestTooLarge:
		return "request_too_large"
	case MethodNotAllowed:
		return "method_not_allowed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status is the HTTP status a failure of this kind is answered with.
func (k Kind) Status() int {
	switch k {
	case RouteNotFound, StaticAssetNotFound, StaticAssetUnreadable:
		return http.StatusNotFound
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case RequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusBadGateway
}

// reason is the client-facing text of the rendered error page.
func (k Kind) reason() string {
	switch k {
	case RouteNotFound:
		return "No route is configured for this host."
	case UpstreamTimeout:
		return "The upstream server did not answer in time."
	case UpstreamTransportError:
		return "The upstream server could not be reached."
	case StaticAssetNotFound, StaticAssetUnreadable:
		return "The requested file was not found."
	case RateLimitExceeded:
		return "Too many requests, retry later."
	case RequestTooLarge:
		return "The request body exceeds the allowed size."
	case MethodNotAllowed:
		return "Only GET and HEAD are allowed here."
	}
	return http.StatusText(k.Status())
}

// Error is a per-request failure attributed to the route that produced it.
type Error struct {
	Kind  Kind
	Route string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Route != "" {
		msg += " (" + e.Route + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
