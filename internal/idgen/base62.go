package idgen

import (
	"strings"
)

const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// EncodeBase62 converts a non-negative number to Base62
func EncodeBase62(num int64) string {
	if num == 0 {
		return string(base62Chars[0])
	}

	var b strings.Builder
	base := int64(len(base62Chars))
	for num > 0 {
		b.WriteByte(base62Chars[num%base])
		num /= base
	}

	out := []byte(b.String())
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
