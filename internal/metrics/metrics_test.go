package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(slotClaims.WithLabelValues("ok"))
	IncSlotClaim("ok")
	assert.Equal(t, before+1, testutil.ToFloat64(slotClaims.WithLabelValues("ok")))

	before = testutil.ToFloat64(slotsCreated)
	AddSlotsCreated(31)
	assert.Equal(t, before+31, testutil.ToFloat64(slotsCreated))

	before = testutil.ToFloat64(floodDecisions.WithLabelValues("ban"))
	IncFloodDecision("ban")
	assert.Equal(t, before+1, testutil.ToFloat64(floodDecisions.WithLabelValues("ban")))

	before = testutil.ToFloat64(sweepResets.WithLabelValues("flood"))
	AddSweepResets("flood", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(sweepResets.WithLabelValues("flood")))
}

func TestObserveUpdate(t *testing.T) {
	ObserveUpdate("message", time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(updateDuration))
}
