package auth

import "github.com/golang-jwt/jwt/v5"

// DeviceTokenPayload captures the data available when minting a device token.
type DeviceTokenPayload struct {
	DeviceID string
	UserID   string
	JTI      string
}

// DeviceClaims is the JWT carried by a surveyor tablet on every sync call.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}
