package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/fieldsync/api/responses"
	pkgAuth "github.com/angelmondragon/fieldsync/pkg/auth"
	"github.com/angelmondragon/fieldsync/pkg/config"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
	"github.com/angelmondragon/fieldsync/pkg/logger"
)

// Auth validates a device bearer token and seeds the request context with
// the device and user it names. With no secret configured every request
// passes through unauthenticated.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := deviceClaims(cfg, r)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			ctx := withIdentity(r.Context(), identity{deviceID: claims.DeviceID, userID: claims.UserID})
			if logg != nil {
				ctx = logg.WithDeviceID(ctx, claims.DeviceID)
				if claims.UserID != "" {
					ctx = logg.WithField(ctx, "user_id", claims.UserID)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// deviceClaims parses the bearer token and checks it against X-Device-ID
// when the device also sent the header.
func deviceClaims(cfg config.JWTConfig, r *http.Request) (*pkgAuth.DeviceClaims, error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	claims, err := pkgAuth.ParseDeviceToken(cfg, token)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}
	if header := strings.TrimSpace(r.Header.Get(deviceIDHeader)); header != "" && header != claims.DeviceID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "device id does not match token").
			WithDetails(map[string]any{"header": header})
	}
	return claims, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		header = strings.TrimSpace(header[len(prefix):])
	}
	return header, header != ""
}
