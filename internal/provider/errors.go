package provider

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classifier maps a fetch failure to the identifier it is counted under. It
// reports false for failures that are not counted.
type Classifier func(err error) (metricID string, ok bool)

// Fetch error identifiers.
const (
	ProxyBadAttestation    = "proxy_token_bad_attestation"
	ProxyRateLimited       = "proxy_token_rate_limited"
	TerminalBadAttestation = "terminal_token_bad_attestation"
	TerminalRateLimited    = "terminal_token_rate_limited"
)

// ClassifyProxyError classifies signing engine failures for proxy tokens.
func ClassifyProxyError(err error) (string, bool) {
	return classify(err, ProxyBadAttestation, ProxyRateLimited)
}

// ClassifyArateaError classifies signing engine failures for terminal
// tokens, with or without a challenge.
func ClassifyArateaError(err error) (string, bool) {
	return classify(err, TerminalBadAttestation, TerminalRateLimited)
}

func classify(err error, badAttestation, rateLimited string) (string, bool) {
	switch status.Code(err) {
	case codes.PermissionDenied:
		return badAttestation, true
	case codes.ResourceExhausted:
		return rateLimited, true
	default:
		return "", false
	}
}
