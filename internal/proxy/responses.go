package proxy

import (
	"encoding/json"
	"net/http"
)

// Content type constants.
const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
	ContentTypeHTML   = "text/html; charset=utf-8"
)

// errorBody is the JSON error payload. Authentication and upstream errors
// use distinct codes so a client can tell them apart.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	bodyUnauthenticated  = errorBody{Error: "unauthenticated", Message: "a trusted client certificate is required"}
	bodyForbidden        = errorBody{Error: "forbidden", Message: "access denied"}
	bodyNotFound         = errorBody{Error: "not found", Message: "no matching route"}
	bodyMethodNotAllowed = errorBody{Error: "method not allowed", Message: "method not allowed"}
	bodyBadRequest       = errorBody{Error: "bad request", Message: "request not supported"}
	bodyBadGateway       = errorBody{Error: "upstream unavailable", Message: "the upstream service could not be reached"}
	bodyGatewayTimeout   = errorBody{Error: "upstream timeout", Message: "the upstream service did not respond in time"}
	bodyCircuitOpen      = errorBody{Error: "upstream unavailable", Message: "the upstream service is temporarily unavailable"}
	bodyTooManyRequests  = errorBody{Error: "too many requests", Message: "rate limit exceeded"}
)

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// upstreamStatus maps an upstream failure reason to a status and body.
func upstreamStatus(reason string) (int, errorBody) {
	switch reason {
	case ReasonTimeout:
		return http.StatusGatewayTimeout, bodyGatewayTimeout
	case ReasonCircuit:
		return http.StatusServiceUnavailable, bodyCircuitOpen
	default:
		return http.StatusBadGateway, bodyBadGateway
	}
}
