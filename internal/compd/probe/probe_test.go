package probe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParse(t *testing.T) {
	info := Info{CPUs: 16, PhysMemMiB: 65536, ZFS: true, OS: "FreeBSD", Arch: "amd64"}
	text := Format(info)
	assert.Equal(t, "CPUs\t16\nPhysmem\t65536\nZFS\t1\nOS\tFreeBSD\nArch\tamd64\n", text)

	got, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, uint(16), got.Specs().Cores)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("Physmem\t100\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("CPUs\tmany\n"))
	assert.Error(t, err)
}

func TestParseMeminfo(t *testing.T) {
	mib, err := parseMeminfo(strings.NewReader(
		"MemFree:         1000 kB\nMemTotal:       16384000 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(16000), mib)

	_, err = parseMeminfo(strings.NewReader("SwapTotal: 0 kB\n"))
	assert.Error(t, err)
}

func TestHasZFSMount(t *testing.T) {
	assert.True(t, hasZFSMount(strings.NewReader("tank/home /home zfs rw,xattr 0 0\n")))
	assert.True(t, hasZFSMount(strings.NewReader("zroot/ROOT/default on / (zfs, local, noatime)\n")))
	assert.False(t, hasZFSMount(strings.NewReader("/dev/sda1 / ext4 rw 0 0\n")))
}

func TestDetect(t *testing.T) {
	info, err := Detect()
	if err != nil {
		t.Skipf("probe unsupported here: %v", err)
	}
	assert.NotZero(t, info.CPUs)
	assert.NotEmpty(t, info.OS)
}
