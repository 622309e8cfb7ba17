package server

import (
	"math"
	"net/http"
	"strconv"

	apperrors "github.com/predmkts/predmkts/internal/errors"
)

// HandleError writes err as a JSON error envelope.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// handleError is HandleError plus a Retry-After hint when the upstream
// throttled us: the time the exhausted bucket needs to refill one token.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	envelope := apperrors.FromError(r.Context(), err)
	if envelope.Code == apperrors.CodeUpstreamThrottled {
		if bucket, ok := apperrors.ResponseDetails(envelope)["bucket_key"].(string); ok {
			w.Header().Set("Retry-After", strconv.Itoa(s.refillSeconds(bucket)))
		}
	}
	apperrors.RespondWithError(w, r, envelope)
}

// refillSeconds is at least one second and rounds up.
func (s *Server) refillSeconds(bucket string) int {
	if s.opts.Limiter == nil {
		return 1
	}
	for _, b := range s.opts.Limiter.BucketStats() {
		if string(b.Key) != bucket || b.Tokens >= 1 || b.RefillRate <= 0 {
			continue
		}
		return max(1, int(math.Ceil((1-b.Tokens)/b.RefillRate)))
	}
	return 1
}
