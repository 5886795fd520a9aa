package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPhiIsInfiniteForUnknownPeer(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	assert.True(t, m.IsSuspected("ghost", time.Second))
}

func TestPhiLowForElapsedNearTypicalRTT(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	for i := 0; i < 20; i++ {
		m.RecordRTT("p1", 50*time.Millisecond)
	}
	assert.False(t, m.IsSuspected("p1", 60*time.Millisecond))
}

func TestPhiHighForElapsedFarBeyondTypicalRTT(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	for i := 0; i < 20; i++ {
		m.RecordRTT("p1", 50*time.Millisecond)
	}
	assert.True(t, m.IsSuspected("p1", 5*time.Second))
}

func TestAdaptiveModeLowersThresholdUnderFailures(t *testing.T) {
	cfgA := DefaultConfig()
	cfgA.Adaptive = true
	m := NewMonitor(cfgA)
	for i := 0; i < 20; i++ {
		m.RecordRTT("p1", 50*time.Millisecond)
	}
	for i := 0; i < 40; i++ {
		m.RecordTimeout("p1")
	}

	elapsed := 500 * time.Millisecond
	phi := m.Phi("p1", elapsed)
	suspectedAdaptive := m.IsSuspected("p1", elapsed)

	cfgB := DefaultConfig()
	m2 := NewMonitor(cfgB)
	for i := 0; i < 20; i++ {
		m2.RecordRTT("p1", 50*time.Millisecond)
	}
	suspectedFixed := m2.IsSuspected("p1", elapsed)

	if phi > cfgA.Threshold*(1-0.9) && phi <= cfgA.Threshold {
		assert.True(t, suspectedAdaptive)
		assert.False(t, suspectedFixed)
	}
}

func TestWindowBoundedBySize(t *testing.T) {
	cfg := Config{WindowSize: 3, Threshold: DefaultThreshold}
	m := NewMonitor(cfg)
	for i := 0; i < 10; i++ {
		m.RecordRTT("p1", time.Duration(i+1)*10*time.Millisecond)
	}
	w := m.win["p1"]
	assert.Len(t, w.values(), 3)
}
