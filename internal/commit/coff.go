// coff.go implements the COFF/bigobj build-timestamp rewrite applied to
// cache-served MSVC object files built without /Brepro, working directly from the
// published byte-level layout of the two header variants.
package commit

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"
)

// bigobjUUIDs holds the published UUIDs marking a v1 and v2 bigobj header.
// Both are accepted identically; only the timestamp offset depends on
// which layout matched, not which UUID variant.
var bigobjUUIDs = [][16]byte{
	{0x38, 0xFE, 0xB3, 0x0C, 0xA5, 0xD9, 0xAB, 0x4D, 0xAC, 0x9B, 0xD6, 0xB6, 0x22, 0x26, 0x53, 0xC2},
	{0xC7, 0xA1, 0xBA, 0xD1, 0xEE, 0xBA, 0xA9, 0x4B, 0xAF, 0x20, 0xFA, 0xF6, 0x6A, 0xA4, 0xDC, 0xB8},
}

// isBigobj detects the extended COFF variant by its fixed magic
// (0x0000 0xFFFF at offsets 0-2), version word at offset 4, and UUID at
// offsets 12-27.
func isBigobj(header []byte) bool {
	if len(header) < 28 {
		return false
	}
	if header[0] != 0x00 || header[1] != 0x00 || header[2] != 0xFF || header[3] != 0xFF {
		return false
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != 1 && version != 2 {
		return false
	}
	var uuid [16]byte
	copy(uuid[:], header[12:28])
	for _, known := range bigobjUUIDs {
		if uuid == known {
			return true
		}
	}
	return false
}

const (
	coffTimestampOffset   = 4
	bigobjTimestampOffset = 8
)

// RewriteCOFFTimestamp rewrites the 4-byte build timestamp of a cl.exe-style
// .obj that was served from cache, so incremental linkers don't refuse two
// .objs sharing a historical timestamp. It is a no-op unless
// every one of these holds: the compile is cl.exe-compatible, the result
// came from the remote cache, and the compiler did not receive a
// reproducible-build flag (/Brepro). The output extension is not checked
// here; the caller only passes .obj outputs.
//
// The /Brepro check is made once, before the header is read, so it applies
// the same way whether the object turns out to be a plain or bigobj COFF
// header; it is not re-checked per variant.
func RewriteCOFFTimestamp(objPath string, isClExeCompatible, fromCache, hasReproducibleFlag bool) error {
	if !isClExeCompatible || !fromCache || hasReproducibleFlag {
		return nil
	}

	f, err := os.OpenFile(objPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s for timestamp rewrite", objPath)
	}
	defer f.Close()

	header := make([]byte, 28)
	n, err := f.ReadAt(header, 0)
	if err != nil && n < 6 {
		return errors.Wrapf(err, "read header of %s", objPath)
	}
	header = header[:n]

	offset := int64(coffTimestampOffset)
	if isBigobj(header) {
		offset = bigobjTimestampOffset
	}

	var stamp [4]byte
	binary.LittleEndian.PutUint32(stamp[:], uint32(time.Now().Unix()))
	if _, err := f.WriteAt(stamp[:], offset); err != nil {
		return errors.Wrapf(err, "write timestamp of %s", objPath)
	}
	return nil
}
