package idempotency

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsStable(t *testing.T) {
	a := Derive("confirm", "pk_1", "order-1")
	b := Derive("confirm", "pk_1", "order-1")
	c := Derive("cancel", "pk_1", "order-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestKeyTrimsHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/orders", nil)
	r.Header.Set(Header, "  abc  ")
	assert.Equal(t, "abc", Key(r))
}
