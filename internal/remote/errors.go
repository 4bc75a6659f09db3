package remote

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"

	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/types"
)

const maxErrorBody = 64 << 10

// classifyTransport maps a failed round trip to a typed error. A cancelled
// caller context is passed through untouched so the engine can tell a
// disconnect from a network failure.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && stdErrors.Is(err, ctxErr) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeNetwork, err, "remote unreachable")
}

// classifyResponse turns a non-2xx response into a typed error.
func classifyResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Error.Message
	if message == "" {
		message = fmt.Sprintf("remote returned status %d", resp.StatusCode)
	}

	switch {
	case envelope.Error.Code == string(pkgerrors.CodeIdempotency):
		return pkgerrors.New(pkgerrors.CodeIdempotency, message)
	case resp.StatusCode == http.StatusConflict:
		var details types.ConflictDetails
		if len(envelope.Error.Details) > 0 {
			if err := json.Unmarshal(envelope.Error.Details, &details); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeUnknownServer, err, "decode conflict details")
			}
		}
		return pkgerrors.New(pkgerrors.CodeConflict, message).WithDetails(details)
	case resp.StatusCode == http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	case resp.StatusCode == http.StatusUnauthorized:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, message)
	case resp.StatusCode == http.StatusForbidden:
		return pkgerrors.New(pkgerrors.CodeForbidden, message)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return pkgerrors.New(pkgerrors.CodeNetwork, message)
	case resp.StatusCode >= 500:
		return pkgerrors.New(pkgerrors.CodeUnknownServer, message).WithDetails(map[string]any{"status": resp.StatusCode})
	case resp.StatusCode >= 400:
		return pkgerrors.New(pkgerrors.CodeValidation, message)
	default:
		return pkgerrors.New(pkgerrors.CodeUnknownServer, message).WithDetails(map[string]any{"status": resp.StatusCode})
	}
}

// ConflictOf extracts server state from a CONFLICT error.
func ConflictOf(err error) (types.ConflictDetails, bool) {
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeConflict {
		return types.ConflictDetails{}, false
	}
	details, ok := typed.Details().(types.ConflictDetails)
	return details, ok
}
