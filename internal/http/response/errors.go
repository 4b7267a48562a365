package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inklight/inklight-backend/internal/pkg/faults"
)

// statusForKind maps the failure taxonomy onto HTTP statuses.
func statusForKind(kind faults.Kind) int {
	switch kind {
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindNotAuthorized:
		return http.StatusForbidden
	case faults.KindValidation, faults.KindInvalidInput, faults.KindSchemaMismatch:
		return http.StatusBadRequest
	case faults.KindConflict:
		return http.StatusConflict
	case faults.KindNoInput:
		return http.StatusUnprocessableEntity
	case faults.KindRateLimited, faults.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	case faults.KindUpstreamUnavailable, faults.KindNetwork, faults.KindBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondFault translates a service error into the error envelope, using
// the fault kind as the machine-readable code.
func RespondFault(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	RespondError(c, statusForKind(kind), string(kind), err)
}
