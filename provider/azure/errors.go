// Package azure maps Azure SDK failures onto the control plane's retry
// taxonomy.
package azure

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
)

// permanent lists response codes that will fail the same way on retry.
var permanent = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusConflict:     true,
}

// ClassifyError wraps err so retry policies treat it correctly: 400, 401,
// 403, 404 and 409 responses become retry-cancelled, any other failure is
// transient.
func ClassifyError(err error, op string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !stderrors.As(err, &respErr) {
		return errors.Wrap(err, errors.CategoryExternal, op)
	}

	meta := map[string]any{
		"status_code": respErr.StatusCode,
		"error_code":  respErr.ErrorCode,
		"operation":   op,
	}
	msg := fmt.Sprintf("%s: azure responded %d %s", op, respErr.StatusCode, respErr.ErrorCode)
	if permanent[respErr.StatusCode] {
		return command.RetryCancel(err, msg).WithMetadata(meta)
	}
	return errors.Wrap(err, errors.CategoryExternal, msg).WithMetadata(meta)
}

// StatusCode returns the HTTP status of an Azure response error, or 0.
func StatusCode(err error) int {
	var respErr *azcore.ResponseError
	if stderrors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// IsNotFound reports a 404 from Azure.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
