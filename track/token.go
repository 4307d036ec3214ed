package track

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidToken is returned when a tracking token cannot be decoded.
var ErrInvalidToken = errors.New("invalid tracking token")

// pixel is a 1x1 transparent GIF.
var pixel = mustDecode("R0lGODlhAQABAIAAAAAAAAAAACH5BAEAAAAALAAAAAABAAEAAAICRAEAOw==")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Pixel returns the tracking pixel bytes.
func Pixel() []byte {
	out := make([]byte, len(pixel))
	copy(out, pixel)
	return out
}

// EncodeToken encodes a post id and recipient ordinal into an opaque pixel token.
func EncodeToken(postID string, index int) string {
	return base64.StdEncoding.EncodeToString([]byte(postID + "_" + strconv.Itoa(index)))
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (postID string, index int, err error) {
	// Query parsing turns an unescaped '+' into a space.
	token = strings.ReplaceAll(strings.TrimSpace(token), " ", "+")

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(token, "="))
		if err != nil {
			return "", 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	}

	s := string(raw)
	i := strings.LastIndexByte(s, '_')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: missing separator", ErrInvalidToken)
	}
	index, err = strconv.Atoi(s[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("%w: bad index %q", ErrInvalidToken, s[i+1:])
	}
	return s[:i], index, nil
}
