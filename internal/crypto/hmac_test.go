package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSHA256Hex(t *testing.T) {
	// RFC 4231 test case 2
	sig := HMACSHA256Hex([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", sig)
}

func TestHMACVerify(t *testing.T) {
	key := []byte("webhook-secret")
	data := []byte(`{"type":"renewal"}`)
	sig := HMACSHA256Hex(key, data)

	assert.True(t, HMACVerify(key, data, sig))
	assert.False(t, HMACVerify(key, []byte("tampered"), sig))
	assert.False(t, HMACVerify([]byte("wrong-key"), data, sig))
	assert.False(t, HMACVerify(key, data, "not-hex!"))
	assert.False(t, HMACVerify(key, data, ""))
}
