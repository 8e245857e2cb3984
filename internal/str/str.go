// Package str has small allocation-light integer-to-string helpers used
// on error paths, where pulling in fmt's reflection machinery is overkill.
package str

import "strconv"

type signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Itod converts a signed integer to a decimal string.
func Itod[T signed](i T) string {
	return strconv.FormatInt(int64(i), 10)
}

// Utod converts an unsigned integer to a decimal string.
func Utod[T unsigned](u T) string {
	return strconv.FormatUint(uint64(u), 10)
}
