package errors_test

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	infraerrors "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseHTTPError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		status    int
		body      string
		wantNil   bool
		message   string
		transient bool
		auth      bool
	}{
		{name: "success", status: http.StatusOK, wantNil: true},
		{name: "json error", status: http.StatusBadRequest, body: `{"error":"title is required"}`, message: "title is required"},
		{name: "json message", status: http.StatusUnprocessableEntity, body: `{"message":"bad variant"}`, message: "bad variant"},
		{name: "errors array", status: http.StatusBadRequest, body: `{"errors":["a","b"]}`, message: `["a","b"]`},
		{name: "plain text", status: http.StatusBadGateway, body: "upstream down\n", message: "upstream down", transient: true},
		{name: "throttled", status: http.StatusTooManyRequests, body: "", transient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "{}", auth: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := infraerrors.ParseHTTPError(response(tc.status, tc.body))
			if tc.wantNil {
				require.NoError(t, err)
				return
			}

			httpErr, ok := infraerrors.AsHTTPError(fmt.Errorf("wrapped: %w", err))
			require.True(t, ok)
			assert.Equal(t, tc.status, httpErr.StatusCode)
			if tc.message != "" {
				assert.Equal(t, tc.message, httpErr.Message)
			}
			assert.Equal(t, tc.transient, httpErr.IsTransient())
			assert.Equal(t, tc.auth, httpErr.IsAuth())
		})
	}
}

func TestWrapWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, infraerrors.WrapWithContext(nil, "ctx"))
	assert.EqualError(t, infraerrors.WrapWithContext(io.EOF, "read page"), "read page: EOF")
}
