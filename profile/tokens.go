package profile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/speters/lidarlink/frame"
)

// Command joins a CoLa-A command type, name and arguments into a payload.
func Command(typ, name string, args ...string) []byte {
	return []byte(strings.Join(append([]string{typ, name}, args...), " "))
}

// Args returns the tokens of an ASCII frame after the first skip ones,
// e.g. Args(f, 2) drops the command type and name.
func Args(f *frame.Frame, skip int) []string {
	t := f.Tokens()
	if len(t) <= skip {
		return nil
	}
	return t[skip:]
}

// ParseUint decodes a CoLa-A number. Plain tokens are hex, a leading '+' marks decimal.
func ParseUint(tok string) (uint64, error) {
	if tok == "" {
		return 0, fmt.Errorf("ParseUint: empty token")
	}
	if strings.HasPrefix(tok, "+") {
		return strconv.ParseUint(tok[1:], 10, 64)
	}
	return strconv.ParseUint(tok, 16, 64)
}

// ParseInt decodes a signed CoLa-A number: hex two's complement of the given bit size, or +/- decimal.
func ParseInt(tok string, bits int) (int64, error) {
	if strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, "+") {
		return strconv.ParseInt(tok, 10, 64)
	}
	u, err := strconv.ParseUint(tok, 16, bits)
	if err != nil {
		return 0, err
	}
	if bits < 64 && u&(1<<(bits-1)) != 0 {
		return int64(u) - (1 << bits), nil
	}
	return int64(u), nil
}

// FormatUint encodes v the way the device writes numbers, upper case hex.
func FormatUint(v uint64) string {
	return strings.ToUpper(strconv.FormatUint(v, 16))
}
