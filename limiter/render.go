package limiter

import (
	"encoding/json"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/rs/zerolog/log"
)

const (
	formatText    = "text"
	formatJSON    = "json"
	formatJSONAPI = "jsonapi"

	contentTypeJSONAPI = "application/vnd.api+json"
)

// offered media types, the first one wins wildcards and missing Accept headers
var offeredMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/plain"),
	contenttype.NewMediaType("text/html"),
	contenttype.NewMediaType("application/json"),
	contenttype.NewMediaType("application/problem+json"),
	contenttype.NewMediaType(contentTypeJSONAPI),
}

// negotiate picks the body format from the Accept header of r. Unknown types
// fall back to plain text.
func negotiate(r *http.Request) string {
	accepted, _, err := contenttype.GetAcceptableMediaType(r, offeredMediaTypes)
	if err != nil {
		return formatText
	}
	switch accepted.Type + "/" + accepted.Subtype {
	case contentTypeJSONAPI:
		return formatJSONAPI
	case "application/json", "application/problem+json":
		return formatJSON
	default:
		return formatText
	}
}

// Render writes the error as an HTTP response with its headers, status and
// a body matching the Accept header of r.
func (e *ThrottleError) Render(w http.ResponseWriter, r *http.Request) {
	for name, value := range e.Headers() {
		w.Header().Set(name, value)
	}

	var body any
	switch negotiate(r) {
	case formatJSONAPI:
		w.Header().Set("Content-Type", contentTypeJSONAPI)
		body = map[string]any{
			"errors": []map[string]any{{
				"code":  e.Code(),
				"title": e.message,
				"meta":  map[string]int{"retryAfter": e.Response.AvailableIn},
			}},
		}
	case formatJSON:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		body = map[string]any{
			"errors": []map[string]any{{
				"message":    e.message,
				"retryAfter": e.Response.AvailableIn,
			}},
		}
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(e.status)
		_, _ = w.Write([]byte(e.message))
		return
	}

	w.WriteHeader(e.status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write throttle response")
	}
}
