package crypto

import (
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

var testKDFParams = Params{
	N: 128,
	R: 2,
	P: 2,
}

func TestKDF(t *testing.T) {
	salt, err := NewSalt()
	rtest.OK(t, err)
	rtest.Equals(t, saltLength, len(salt))

	k1, err := KDF(testKDFParams, salt, "password")
	rtest.OK(t, err)
	rtest.Assert(t, k1.Valid(), "derived key is invalid")

	// same input yields the same key
	k2, err := KDF(testKDFParams, salt, "password")
	rtest.OK(t, err)
	rtest.Equals(t, k1.EncryptionKey, k2.EncryptionKey)
	rtest.Equals(t, k1.MACKey.K, k2.MACKey.K)
	rtest.Equals(t, k1.MACKey.R, k2.MACKey.R)

	// a different password yields a different key
	k3, err := KDF(testKDFParams, salt, "otherpassword")
	rtest.OK(t, err)
	rtest.Assert(t, k1.EncryptionKey != k3.EncryptionKey,
		"different passwords generated the same encryption key")
}

func TestKDFInvalidSalt(t *testing.T) {
	_, err := KDF(testKDFParams, []byte{0x01, 0x02}, "password")
	rtest.Assert(t, err != nil, "expected error for invalid salt, got nil")
}
