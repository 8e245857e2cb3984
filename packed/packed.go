// Package packed implements the Cap'n Proto packed encoding: a simple
// zero-byte run-length scheme applied on top of the unpacked wire format.
package packed

import "errors"

var (
	// ErrOverrun is returned when an unpack operation's implied word
	// count is longer than the supplied input actually carries.
	ErrOverrun = errors.New("capnp/packed: unexpected end of packed input")
	// ErrUnderflow names a corrupt packed stream. Unpack does not return
	// it: every malformed input it detects is a truncated tag and is
	// reported as ErrOverrun.
	ErrUnderflow = errors.New("capnp/packed: corrupt packed stream")
)

const wordSize = 8

// Pack appends the packed encoding of src (which must be a whole number
// of 8-byte words) to dst and returns the extended buffer.
func Pack(dst, src []byte) []byte {
	for len(src) > 0 {
		word := src[:wordSize]
		src = src[wordSize:]

		if isZeroWord(word) {
			n, rest := countZeroWords(src)
			dst = append(dst, 0x00, n)
			src = rest
			continue
		}
		if isAllNonzeroWord(word) {
			n, rest := countNonzeroWords(src)
			dst = append(dst, 0xFF)
			dst = append(dst, word...)
			dst = append(dst, n)
			dst = append(dst, src[:int(n)*wordSize]...)
			src = rest
			continue
		}

		var mask byte
		var body []byte
		for i, b := range word {
			if b != 0 {
				mask |= 1 << uint(i)
				body = append(body, b)
			}
		}
		dst = append(dst, mask)
		dst = append(dst, body...)
	}
	return dst
}

func isZeroWord(w []byte) bool {
	for _, b := range w {
		if b != 0 {
			return false
		}
	}
	return true
}

func isAllNonzeroWord(w []byte) bool {
	for _, b := range w {
		if b == 0 {
			return false
		}
	}
	return true
}

// countZeroWords counts how many additional whole zero words follow at
// the start of src, up to 255, returning that count and the remaining
// unconsumed bytes.
func countZeroWords(src []byte) (byte, []byte) {
	var n int
	for n < 255 && len(src) >= wordSize && isZeroWord(src[:wordSize]) {
		n++
		src = src[wordSize:]
	}
	return byte(n), src
}

// countNonzeroWords counts how many additional whole all-nonzero words
// follow at the start of src, up to 255.
func countNonzeroWords(src []byte) (byte, []byte) {
	var n int
	for n < 255 && len(src) >= wordSize && isAllNonzeroWord(src[:wordSize]) {
		n++
		src = src[wordSize:]
	}
	return byte(n), src
}

// Unpack appends the unpacked form of src to dst and returns the
// extended buffer. src must be a complete packed stream (as produced by
// Pack): every tag byte must have its full complement of following bytes
// present.
func Unpack(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		mask := src[0]
		src = src[1:]
		switch mask {
		case 0x00:
			if len(src) < 1 {
				return nil, ErrOverrun
			}
			n := src[0]
			src = src[1:]
			for i := 0; i < wordSize; i++ {
				dst = append(dst, 0)
			}
			for i := 0; i < int(n); i++ {
				for j := 0; j < wordSize; j++ {
					dst = append(dst, 0)
				}
			}
		case 0xFF:
			if len(src) < wordSize {
				return nil, ErrOverrun
			}
			dst = append(dst, src[:wordSize]...)
			src = src[wordSize:]
			if len(src) < 1 {
				return nil, ErrOverrun
			}
			n := src[0]
			src = src[1:]
			need := int(n) * wordSize
			if len(src) < need {
				return nil, ErrOverrun
			}
			dst = append(dst, src[:need]...)
			src = src[need:]
		default:
			var word [wordSize]byte
			for i := 0; i < wordSize; i++ {
				if mask&(1<<uint(i)) != 0 {
					if len(src) < 1 {
						return nil, ErrOverrun
					}
					word[i] = src[0]
					src = src[1:]
				}
			}
			dst = append(dst, word[:]...)
		}
	}
	return dst, nil
}
