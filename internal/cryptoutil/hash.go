package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the hex sha256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ReadSHA256 reads r up to limit bytes and returns the data with its hex
// sha256. ok is false when r holds more than limit bytes.
func ReadSHA256(r io.Reader, limit int64) (data []byte, sum string, ok bool, err error) {
	h := sha256.New()
	data, err = io.ReadAll(io.TeeReader(io.LimitReader(r, limit+1), h))
	if err != nil {
		return nil, "", false, err
	}
	if int64(len(data)) > limit {
		return nil, "", false, nil
	}
	return data, hex.EncodeToString(h.Sum(nil)), true, nil
}

// TreeHasher digests a file tree one entry at a time. Names and contents
// are length-prefixed, so moving bytes between a name and its file always
// changes the sum.
type TreeHasher struct {
	h hash.Hash
}

func NewTreeHasher() *TreeHasher {
	return &TreeHasher{h: blake3.New()}
}

// Add appends one file. Entries must be added in a stable order.
func (t *TreeHasher) Add(name string, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(name)))
	_, _ = t.h.Write(n[:])
	_, _ = io.WriteString(t.h, name)
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	_, _ = t.h.Write(n[:])
	_, _ = t.h.Write(data)
}

// Sum returns the hex digest of every entry added so far.
func (t *TreeHasher) Sum() string {
	return hex.EncodeToString(t.h.Sum(nil))
}
