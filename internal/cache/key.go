package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Keys address rendered results by the identity of their render inputs.
// Two strategies exist: source-identified requests hash the source
// identifier plus its change validator, content-identified requests hash the
// payload itself. Both mix in the hat scale and the positioning config
// version, so a config change invalidates every cached result.

// SourceKey derives the cache key for a fetched-by-reference input. validator
// is the source's change indicator (ETag or Last-Modified); when it is empty
// the key degrades to identifier+scale+config, which is a weaker invalidation
// guarantee that is accepted rather than fixed here.
func SourceKey(identifier, validator string, hatScale float64, configVersion string) string {
	h := sha256.New()
	writePart(h, []byte(identifier))
	writePart(h, []byte(validator))
	writePart(h, []byte(formatScale(hatScale)))
	writePart(h, []byte(configVersion))
	return objectKey(h.Sum(nil))
}

// ContentKey derives the cache key for an inline payload input.
func ContentKey(payload []byte, hatScale float64, configVersion string) string {
	digest := sha256.Sum256(payload)

	h := sha256.New()
	writePart(h, digest[:])
	writePart(h, []byte(formatScale(hatScale)))
	writePart(h, []byte(configVersion))
	return objectKey(h.Sum(nil))
}

func writePart(h interface{ Write([]byte) (int, error) }, part []byte) {
	var size [8]byte
	n := len(part)
	for i := 0; i < 8; i++ {
		size[i] = byte(n >> (8 * i))
	}
	h.Write(size[:])
	h.Write(part)
}

func formatScale(scale float64) string {
	return strconv.FormatFloat(scale, 'f', -1, 64)
}

func objectKey(sum []byte) string {
	hash := hex.EncodeToString(sum)
	return fmt.Sprintf("processed/%s/%s.jpg", hash[:2], hash)
}
