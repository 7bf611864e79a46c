package deliver

import "strings"

// ErrorKind classifies a publish failure for routing purposes.
type ErrorKind int

const (
	// KindGeneric goes to the retry queue on the normal delay schedule.
	KindGeneric ErrorKind = iota
	// KindFeatureUnsupported means the destination rejected a native
	// cross-reference; the chunk is retried once with it removed.
	KindFeatureUnsupported
	// KindNetworkExhausted means the destination itself is unreachable;
	// it gets paused for the cool-down window.
	KindNetworkExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindFeatureUnsupported:
		return "feature_unsupported"
	case KindNetworkExhausted:
		return "network_exhausted"
	default:
		return "generic"
	}
}

// Error-text signatures for destinations that are down at the network
// level rather than rejecting a particular request.
var networkExhaustedMarkers = []string{
	"max retries exceeded with url",
	"network is unreachable",
	"connection refused",
	"no route to host",
	"connection reset by peer",
}

// Markers a server emits when it does not accept native cross-references.
var featureMarkers = []string{
	"quote_id is only available with feature set fedibird",
	"quote posts are not enabled",
	"quote this post",
}

// ClassifyError maps error text to an ErrorKind.
//
// Federated servers return inconsistent error shapes, so this is a
// deliberate substring heuristic rather than a status-code switch. Keeping
// it in one function makes the heuristic testable and swappable.
func ClassifyError(text string) ErrorKind {
	t := strings.ToLower(text)

	for _, marker := range featureMarkers {
		if strings.Contains(t, marker) {
			return KindFeatureUnsupported
		}
	}
	// Mastodon-family errors mentioning the quote parameter together with a
	// refusal word also mean the feature is unavailable.
	if strings.Contains(t, "quoted_status_id") || strings.Contains(t, "quote_id") {
		for _, refusal := range []string{"not ", "unknown", "unavailable", "denied", "policy", "allowed"} {
			if strings.Contains(t, refusal) {
				return KindFeatureUnsupported
			}
		}
	}

	for _, marker := range networkExhaustedMarkers {
		if strings.Contains(t, marker) {
			return KindNetworkExhausted
		}
	}
	return KindGeneric
}
