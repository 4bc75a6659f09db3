package validators

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
)

const maxPathParamLen = 128

// PathParam returns a trimmed, non-empty chi URL parameter.
func PathParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	value := SanitizeString(raw, 0)
	if value == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "path parameter is required").WithDetails(map[string]any{"field": name})
	}
	if len(value) > maxPathParamLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "path parameter too long").WithDetails(map[string]any{"field": name, "max": maxPathParamLen})
	}
	return value, nil
}
