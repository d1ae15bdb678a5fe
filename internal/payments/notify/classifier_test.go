package notify

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		strict     bool
		httpStatus int
		code       string
		retry      bool
		severity   Severity
	}{
		{
			name:       "success",
			err:        nil,
			httpStatus: http.StatusOK,
			code:       "SUCCESS",
			severity:   SeverityInfo,
		},
		{
			name:       "transient gateway failure asks for redelivery",
			err:        pkgerrors.New(pkgerrors.CodeGatewayTransient, "still paying"),
			httpStatus: http.StatusServiceUnavailable,
			code:       "FAIL",
			retry:      true,
			severity:   SeverityWarn,
		},
		{
			name:       "dependency failure asks for redelivery",
			err:        pkgerrors.New(pkgerrors.CodeDependency, "db down"),
			httpStatus: http.StatusServiceUnavailable,
			code:       "FAIL",
			retry:      true,
			severity:   SeverityWarn,
		},
		{
			name:       "permanent failure acked tolerantly",
			err:        pkgerrors.New(pkgerrors.CodeSignatureInvalid, "bad signature"),
			httpStatus: http.StatusOK,
			code:       "SUCCESS",
			severity:   SeverityWarn,
		},
		{
			name:       "permanent failure surfaced in strict mode",
			err:        pkgerrors.New(pkgerrors.CodeSignatureInvalid, "bad signature"),
			strict:     true,
			httpStatus: pkgerrors.MetadataFor(pkgerrors.CodeSignatureInvalid).HTTPStatus,
			code:       "FAIL",
			severity:   SeverityWarn,
		},
		{
			name:       "untyped error fails closed into a final ack",
			err:        errors.New("nil pointer somewhere"),
			httpStatus: http.StatusOK,
			code:       "SUCCESS",
			severity:   SeverityError,
		},
		{
			name:       "untyped error final even in strict mode",
			err:        errors.New("nil pointer somewhere"),
			strict:     true,
			httpStatus: http.StatusOK,
			code:       "SUCCESS",
			severity:   SeverityError,
		},
		{
			name:       "wrapped transient error keeps its retry semantics",
			err:        pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, errors.New("timeout"), "query failed"),
			httpStatus: http.StatusServiceUnavailable,
			code:       "FAIL",
			retry:      true,
			severity:   SeverityWarn,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := Classify(tc.err, tc.strict)
			assert.Equal(t, tc.httpStatus, ack.HTTPStatus)
			assert.Equal(t, tc.code, ack.Code)
			assert.Equal(t, tc.retry, ack.Retry)
			assert.Equal(t, tc.severity, ack.Severity)
			assert.NotEmpty(t, ack.Message)
		})
	}
}
