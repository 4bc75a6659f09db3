package instance

import "os"

// GetID returns the server replica identifier. FIELDSYNC_INSTANCE_ID wins,
// then the host name.
func GetID() string {
	if id := os.Getenv("FIELDSYNC_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
