package job

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecsLine(t *testing.T) {
	j := template(4)
	j.ID = 17
	j.ArrayIndex = 2

	line := FormatSpecs(j)
	assert.Equal(t, "17\t2\t4\t2\t1\t100\talice\tstaff\tlogin-01\t/home/alice/run\tjob.sh\t1001\n", line)

	got, err := ParseSpecs(line)
	require.NoError(t, err)
	assert.Equal(t, j, got)
	assert.Equal(t, uint64(200), got.MemMiB())
}

func TestMemoryRequestOverflow(t *testing.T) {
	j := template(1)
	j.CoresPerJob = 2
	j.MemPerCoreMiB = 1 << 63
	assert.Equal(t, uint64(math.MaxUint64), j.MemMiB())
	assert.ErrorContains(t, j.Validate(), "too large")

	j.MemPerCoreMiB = math.MaxUint64 / 2
	assert.NoError(t, j.Validate())
	assert.Equal(t, uint64(math.MaxUint64-1), j.MemMiB())
}

func TestParseSpecsErrors(t *testing.T) {
	_, err := ParseSpecs("1\t2\t3\n")
	assert.Error(t, err)

	_, err = ParseSpecs("x\t1\t1\t1\t1\t1\tu\tg\th\t/d\ts\t0\n")
	assert.Error(t, err)
}

func TestQueueKeepsIDOrder(t *testing.T) {
	var q Queue
	for _, id := range []uint64{5, 2, 9, 2} {
		q.Add(&Job{ID: id})
	}
	ids := []uint64{}
	for _, j := range q.All() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []uint64{2, 5, 9}, ids)

	assert.NotNil(t, q.Remove(5))
	assert.Nil(t, q.Remove(5))
	assert.Nil(t, q.Get(5))
	assert.Equal(t, 2, q.Len())
}
