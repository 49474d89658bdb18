package crypto

import (
	"bytes"
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

const testLargeCrypto = false

func TestEncryptDecrypt(t *testing.T) {
	k := NewRandomKey()

	tests := []int{5, 23, 2<<18 + 23, 1 << 20}
	if testLargeCrypto {
		tests = append(tests, 7<<20+123)
	}

	for _, size := range tests {
		data := rtest.Random(42, size)
		buf := make([]byte, 0, size+Extension)

		nonce := NewRandomNonce()
		ciphertext := k.Seal(buf[:0], nonce, data, nil)
		rtest.Assert(t, len(ciphertext) == len(data)+k.Overhead(),
			"ciphertext length does not match: want %d, got %d",
			len(data)+Extension, len(ciphertext))

		plaintext := make([]byte, 0, len(ciphertext))
		plaintext, err := k.Open(plaintext[:0], nonce, ciphertext, nil)
		rtest.OK(t, err)
		rtest.Assert(t, len(plaintext) == len(data),
			"plaintext length does not match: want %d, got %d",
			len(data), len(plaintext))

		rtest.Equals(t, plaintext, data)
	}
}

func TestSmallBuffer(t *testing.T) {
	k := NewRandomKey()

	size := 600
	data := rtest.Random(23, size)

	ciphertext := make([]byte, 0, size/2)
	nonce := NewRandomNonce()
	ciphertext = k.Seal(ciphertext[:0], nonce, data, nil)

	// check for the correct plaintext
	plaintext := make([]byte, 0, len(ciphertext))
	plaintext, err := k.Open(plaintext[:0], nonce, ciphertext, nil)
	rtest.OK(t, err)
	rtest.Equals(t, plaintext, data)
}

func TestSameBuffer(t *testing.T) {
	k := NewRandomKey()

	size := 600
	data := rtest.Random(23, size)

	ciphertext := make([]byte, 0, size+Extension)

	nonce := NewRandomNonce()
	ciphertext = k.Seal(ciphertext, nonce, data, nil)

	// use the same buffer for decryption
	ciphertext, err := k.Open(ciphertext[:0], nonce, ciphertext, nil)
	rtest.OK(t, err)
	rtest.Equals(t, ciphertext, data)
}

func encrypt(t testing.TB, k *Key, data, ciphertext, nonce []byte) []byte {
	prefixlen := len(ciphertext)
	ciphertext = k.Seal(ciphertext, nonce, data, nil)
	if len(ciphertext) != len(data)+k.Overhead()+prefixlen {
		t.Fatalf("destination slice has wrong length, want %d, got %d",
			len(data)+k.Overhead(), len(ciphertext))
	}

	return ciphertext
}

func decryptNewSliceAndCompare(t testing.TB, k *Key, data, ciphertext, nonce []byte) {
	plaintext := make([]byte, 0, len(ciphertext))
	decryptAndCompare(t, k, data, ciphertext, nonce, plaintext)
}

func decryptAndCompare(t testing.TB, k *Key, data, ciphertext, nonce, dst []byte) {
	prefix := make([]byte, len(dst))
	copy(prefix, dst)

	plaintext, err := k.Open(dst, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("unable to decrypt ciphertext: %v", err)
	}

	if len(data)+len(prefix) != len(plaintext) {
		t.Fatalf("wrong plaintext returned, want %d bytes, got %d", len(data)+len(prefix), len(plaintext))
	}

	if !bytes.Equal(plaintext[:len(prefix)], prefix) {
		t.Fatal("prefix is wrong")
	}

	if !bytes.Equal(plaintext[len(prefix):], data) {
		t.Fatal("wrong plaintext returned")
	}
}

func TestAppendOpen(t *testing.T) {
	k := NewRandomKey()
	nonce := NewRandomNonce()

	data := rtest.Random(500, 91)
	ciphertext := encrypt(t, k, data, nil, nonce)

	// we need to test several different cases:
	//  * destination slice is nil
	//  * destination slice is empty and has enough capacity
	//  * destination slice is empty and does not have enough capacity
	//  * destination slice contains data and has enough capacity
	//  * destination slice contains data and does not have enough capacity

	// destination slice is nil
	{
		var plaintext []byte
		decryptAndCompare(t, k, data, ciphertext, nonce, plaintext)
	}

	// destination slice is empty and has enough capacity
	{
		plaintext := make([]byte, 0, len(data)+100)
		decryptAndCompare(t, k, data, ciphertext, nonce, plaintext)
	}

	// destination slice is empty and does not have enough capacity
	{
		plaintext := make([]byte, 0, 5)
		decryptAndCompare(t, k, data, ciphertext, nonce, plaintext)
	}

	// destination slice contains data and has enough capacity
	{
		plaintext := make([]byte, 5, len(data)+100)
		decryptAndCompare(t, k, data, ciphertext, nonce, plaintext)
	}

	// destination slice contains data and does not have enough capacity
	{
		plaintext := make([]byte, 5)
		decryptAndCompare(t, k, data, ciphertext, nonce, plaintext)
	}
}

func TestModifiedCiphertext(t *testing.T) {
	k := NewRandomKey()
	nonce := NewRandomNonce()

	data := rtest.Random(23, 4711)
	ciphertext := encrypt(t, k, data, nil, nonce)

	// flip a bit in the ciphertext
	ciphertext[1000] ^= 0x40
	_, err := k.Open(nil, nonce, ciphertext, nil)
	rtest.Assert(t, err == ErrUnauthenticated,
		"wrong error returned for modified ciphertext: %v", err)

	// restore the bit, flip a bit in the MAC
	ciphertext[1000] ^= 0x40
	ciphertext[len(ciphertext)-3] ^= 0x01
	_, err = k.Open(nil, nonce, ciphertext, nil)
	rtest.Assert(t, err == ErrUnauthenticated,
		"wrong error returned for modified MAC: %v", err)

	// restore and decrypt successfully
	ciphertext[len(ciphertext)-3] ^= 0x01
	decryptNewSliceAndCompare(t, k, data, ciphertext, nonce)
}

func TestCiphertextTooShort(t *testing.T) {
	k := NewRandomKey()
	nonce := NewRandomNonce()

	_, err := k.Open(nil, nonce, []byte{0x01, 0x02}, nil)
	rtest.Assert(t, err != nil, "expected error for truncated ciphertext, got nil")
}
