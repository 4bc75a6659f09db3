package middleware

import "context"

const deviceIDHeader = "X-Device-ID"

// identityKey carries who is syncing: the device always, the surveyor when
// a token names one.
type identityKey struct{}

type identity struct {
	deviceID string
	userID   string
}

func identityFrom(ctx context.Context) identity {
	if ctx == nil {
		return identity{}
	}
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

func withIdentity(ctx context.Context, id identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityKey{}, id)
}

func DeviceIDFromContext(ctx context.Context) string { return identityFrom(ctx).deviceID }

func UserIDFromContext(ctx context.Context) string { return identityFrom(ctx).userID }

// WithDeviceID sets the device and keeps any user already present.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	id := identityFrom(ctx)
	id.deviceID = deviceID
	return withIdentity(ctx, id)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	id := identityFrom(ctx)
	id.userID = userID
	return withIdentity(ctx, id)
}
