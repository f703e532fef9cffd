package udprelay

import "golang.org/x/crypto/nacl/secretbox"

// KeySize is the symmetric key length of the channel cipher
// (XSalsa20-Poly1305).
const KeySize = 32

// nonceFromHeader derives the 24-byte nonce by zero-padding the 12-byte
// packet header, the scheme every legacy client generation agrees on.
func nonceFromHeader(header []byte) [24]byte {
	var nonce [24]byte
	copy(nonce[:], header[:headerSize])
	return nonce
}

func seal(payload, header []byte, key *[KeySize]byte) []byte {
	nonce := nonceFromHeader(header)
	return secretbox.Seal(nil, payload, &nonce, key)
}

// open returns false for any failure: wrong key, corrupt payload, short
// input. Callers drop the packet without distinguishing why.
func open(box, header []byte, key *[KeySize]byte) ([]byte, bool) {
	nonce := nonceFromHeader(header)
	return secretbox.Open(nil, box, &nonce, key)
}
