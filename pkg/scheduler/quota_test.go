package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"boulder/internal/base"
	"boulder/pkg/config"
)

func TestDumpBandwidthPercentile(t *testing.T) {
	var d dumpBandwidth
	assert.Zero(t, d.percentile10(), "no completed dump means no estimate")

	for i := 1; i <= 10; i++ {
		d.record(uint64(i)*1000, time.Second)
	}
	assert.Equal(t, float64(2000), d.percentile10(),
		"10th percentile of 1000..10000 B/s lands on the second-slowest sample")
}

func TestDumpBandwidthIgnoresDegenerateSamples(t *testing.T) {
	var d dumpBandwidth
	d.record(0, time.Second)
	d.record(1000, 0)
	assert.Zero(t, d.percentile10())
}

// TestRecomputeWatermark exercises spec.md §4.8's three-input formula: an
// idle engine keeps the watermark at the hard limit; write pressure plus a
// measured dump bandwidth pulls it down, never below half the limit.
func TestRecomputeWatermark(t *testing.T) {
	cfg := config.Default()
	cfg.MemoryLimit = 1 << 20
	s := New(Deps{Cfg: cfg}, func() base.SeqNum { return 0 })

	s.recomputeWatermark()
	assert.EqualValues(t, cfg.MemoryLimit, s.quotaWatermark,
		"no writes and no dumps keep the watermark at the limit")

	s.quotaMu.Lock()
	s.quotaReservedTotal = 512 << 10
	s.quotaMu.Unlock()
	s.dumpBW.record(1<<20, time.Second)

	s.recomputeWatermark()
	assert.Less(t, s.quotaWatermark, cfg.MemoryLimit,
		"write pressure against measured bandwidth lowers the watermark")
	assert.GreaterOrEqual(t, s.quotaWatermark, cfg.MemoryLimit/2,
		"the watermark floor protects writers from a runaway estimate")
}
