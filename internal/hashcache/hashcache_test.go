package hashcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/gomacc-proxy/gomaccd/internal/common"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func TestLookupMissEmptyCache(t *testing.T) {
	c := New(24 * time.Hour)
	_, ok := c.Lookup("/tmp/foo.cc", FileStat{Exists: true, Size: 10})
	assert.False(t, ok)
}

func TestLookupTrustsAfterUpload(t *testing.T) {
	c := New(24 * time.Hour)
	stat := FileStat{Exists: true, ModAt: time.Now(), Size: 42}
	key := common.SHA256{B0_7: 1}

	c.RecordUploaded("/tmp/foo.cc", stat, key, time.Now())

	got, ok := c.Lookup("/tmp/foo.cc", stat)
	assert.True(t, ok)
	assert.Equal(t, key, got)
}

func TestLookupRejectsChangedStat(t *testing.T) {
	c := New(24 * time.Hour)
	stat := FileStat{Exists: true, ModAt: time.Now(), Size: 42}
	key := common.SHA256{B0_7: 1}
	c.RecordUploaded("/tmp/foo.cc", stat, key, time.Now())

	changed := stat
	changed.Size = 43
	_, ok := c.Lookup("/tmp/foo.cc", changed)
	assert.False(t, ok, "a size change must invalidate the cached hash")
}

func TestLookupDistrustsAfterMissingEvent(t *testing.T) {
	c := New(24 * time.Hour)
	stat := FileStat{Exists: true, ModAt: time.Now(), Size: 42}
	key := common.SHA256{B0_7: 1}

	uploadTime := time.Now()
	c.RecordUploaded("/tmp/foo.cc", stat, key, uploadTime)
	c.RecordMissing("/tmp/foo.cc", uploadTime.Add(time.Second))

	_, ok := c.Lookup("/tmp/foo.cc", stat)
	assert.False(t, ok, "a missing event after the last upload must revoke trust")
}

func TestLookupTrustsAgainAfterReupload(t *testing.T) {
	c := New(24 * time.Hour)
	stat := FileStat{Exists: true, ModAt: time.Now(), Size: 42}
	key := common.SHA256{B0_7: 1}

	base := time.Now()
	c.RecordUploaded("/tmp/foo.cc", stat, key, base)
	c.RecordMissing("/tmp/foo.cc", base.Add(time.Second))
	c.RecordUploaded("/tmp/foo.cc", stat, key, base.Add(2*time.Second))

	got, ok := c.Lookup("/tmp/foo.cc", stat)
	assert.True(t, ok)
	assert.Equal(t, key, got)
}

func TestLookupTrustsOldFilesWithoutUpload(t *testing.T) {
	c := New(time.Hour)
	stat := FileStat{Exists: true, ModAt: time.Now().Add(-2 * time.Hour), Size: 42}
	key := common.SHA256{B0_7: 7}
	c.RecordUploaded("/tmp/old.cc", stat, key, time.Time{})

	got, ok := c.Lookup("/tmp/old.cc", stat)
	assert.True(t, ok, "a file old enough for the threshold is trusted even without an explicit upload timestamp")
	assert.Equal(t, key, got)
}

func TestForgetDropsEntry(t *testing.T) {
	c := New(24 * time.Hour)
	stat := FileStat{Exists: true, ModAt: time.Now(), Size: 42}
	key := common.SHA256{B0_7: 1}
	c.RecordUploaded("/tmp/foo.cc", stat, key, time.Now())

	c.Forget("/tmp/foo.cc")

	_, ok := c.Lookup("/tmp/foo.cc", stat)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestStatFileMissing(t *testing.T) {
	stat := StatFile("/nonexistent/path/that/does/not/exist.cc")
	assert.False(t, stat.Exists)
}
