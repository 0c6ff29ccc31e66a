package idempotency

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const Header = "Idempotency-Key"

// namespace scopes derived keys so they never collide with client-supplied ones.
var namespace = uuid.MustParse("6f1c54d2-2b51-4c59-9a64-2f6c0f1d8e31")

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// Derive returns a stable key for one logical operation. Every retry of the
// same operation yields the same key, so the remote side can deduplicate.
func Derive(operation string, parts ...string) string {
	name := operation + ":" + strings.Join(parts, ":")
	return uuid.NewSHA1(namespace, []byte(name)).String()
}
