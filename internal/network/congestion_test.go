package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCongestionController_SlowStart(t *testing.T) {
	cc := NewCongestionController(1, 8)
	require.Equal(t, 1, cc.GetIdealConcurrency("unseen.example.com"))
}

func TestCongestionController_AdditiveIncrease(t *testing.T) {
	cc := NewCongestionController(1, 8)
	cc.RecordOutcome("h", 50*time.Millisecond, nil)
	require.Equal(t, 1, cc.GetIdealConcurrency("h"))

	cc.RecordOutcome("h", 50*time.Millisecond, nil)
	cc.RecordOutcome("h", 50*time.Millisecond, nil)
	require.Equal(t, 2, cc.GetIdealConcurrency("h"))
}

func TestCongestionController_MultiplicativeDecreaseOnError(t *testing.T) {
	cc := NewCongestionController(1, 8)
	for i := 0; i < 6; i++ {
		cc.RecordOutcome("h", 50*time.Millisecond, nil)
		cc.GetIdealConcurrency("h")
	}
	before := cc.GetHostStats("h").Concurrency
	require.Greater(t, before, 1)

	cc.RecordOutcome("h", 50*time.Millisecond, errors.New("timeout"))
	after := cc.GetIdealConcurrency("h")
	require.LessOrEqual(t, after, before/2+1)
}

func TestCongestionController_NeverBelowOne(t *testing.T) {
	cc := NewCongestionController(2, 8)
	cc.RecordOutcome("h", 10*time.Millisecond, errors.New("boom"))
	require.GreaterOrEqual(t, cc.GetIdealConcurrency("h"), 1)
}

func TestCongestionController_GetHostStatsCopyIsIndependent(t *testing.T) {
	cc := NewCongestionController(1, 8)
	cc.RecordOutcome("h", 10*time.Millisecond, nil)
	stats := cc.GetHostStats("h")
	stats.Concurrency = 999
	require.NotEqual(t, 999, cc.GetHostStats("h").Concurrency)
}
