package config

import (
	"crypto/rand"
)

const keyPrefix = "mb-sk-"

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateKey creates a random credential of the form mb-sk-<32 lowercase
// alphanumerics>, per §6's genkey CLI command.
func GenerateKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	out := make([]byte, len(keyPrefix)+len(buf))
	copy(out, keyPrefix)
	for i, b := range buf {
		out[len(keyPrefix)+i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
