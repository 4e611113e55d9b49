package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// idCharset matches the default record id alphabet, so generated ids
// pass the stock id validation.
const idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateID returns a random 15 character record id.
func GenerateID() string {
	b := make([]byte, 15)
	if _, err := rand.Read(b); err != nil {
		panic("utils: crypto/rand unavailable: " + err.Error())
	}
	for i := range b {
		b[i] = idCharset[int(b[i])%len(idCharset)]
	}
	return string(b)
}

// GenerateCode returns 2n uppercase hex characters from n random bytes.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// GenerateOTP returns a numeric one-time code of the given length.
func GenerateOTP(length int) (string, error) {
	const charset = "0123456789"

	code := make([]byte, length)
	if _, err := rand.Read(code); err != nil {
		return "", err
	}
	for i := 0; i < length; i++ {
		code[i] = charset[int(code[i])%len(charset)]
	}
	return string(code), nil
}
