package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Digest fingerprints generated code. Whitespace differences at line ends and
// blank lines do not change the digest, so a cosmetically reformatted copy
// of a failed attempt is still recognised.
func Digest(code string) string {
	var b strings.Builder
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
