// Package tplink implements the wire format of TP-Link Kasa HS110 smart
// plugs: the XOR autokey obfuscation used on the discovery channel, spoofed
// device identity generation, and the JSON documents exchanged with a
// polling Sense monitor.
package tplink

import (
	"encoding/binary"
)

// initialKey seeds the autokey cipher. Every Kasa device uses 0xAB.
const initialKey byte = 171

// Encrypt obfuscates a JSON payload the way an HS110 does: a 4-byte
// big-endian length prefix followed by the plaintext XORed with a running
// key seeded at 171, where each ciphertext byte becomes the next key.
// UDP transports strip the prefix before sending; TCP keeps it.
func Encrypt(plaintext string) []byte {
	out := make([]byte, 4+len(plaintext))
	binary.BigEndian.PutUint32(out, uint32(len(plaintext)))
	key := initialKey
	for i := 0; i < len(plaintext); i++ {
		c := plaintext[i] ^ key
		out[4+i] = c
		key = c
	}
	return out
}

// Decrypt reverses the autokey cipher. Inbound UDP datagrams carry no
// length prefix, so none is consumed here.
func Decrypt(ciphertext []byte) string {
	out := make([]byte, len(ciphertext))
	key := initialKey
	for i, c := range ciphertext {
		out[i] = c ^ key
		key = c
	}
	return string(out)
}
