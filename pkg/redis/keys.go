package redis

import "strings"

const (
	keyNamespace      = "fs"
	idempotencyPrefix = "idempotency"
	rateLimitPrefix   = "rate_limit"
	lockPrefix        = "lock"
)

// keyspace builds the "fs:<kind>:..." keys shared by Client and MemoryStore.
type keyspace struct{}

// IdempotencyKey scopes a replay record, e.g. fs:idempotency:<scope>:<key>.
func (keyspace) IdempotencyKey(scope, id string) string {
	return joinKey(idempotencyPrefix, scope, id)
}

func (keyspace) RateLimitKey(scope string) string {
	return joinKey(rateLimitPrefix, scope)
}

func (keyspace) LockKey(name string) string {
	return joinKey(lockPrefix, name)
}

func joinKey(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}
