package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientKeyNamespacing(t *testing.T) {
	assert.Equal(t, "resolver:lock:market:m1", Wrap(nil, "resolver").key("lock", "market:m1"))
	assert.Equal(t, "ratelimit:ip", Wrap(nil, "").key("ratelimit", "ip"))
	assert.Equal(t, "resolver", Wrap(nil, "resolver").key())
}
