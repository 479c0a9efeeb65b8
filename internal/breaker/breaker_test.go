package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterFailureThreshold(t *testing.T) {
	m := NewManager(ManagerConfig{BreakerCfg: Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Hour}})
	defer m.Stop()

	require.True(t, m.Allow("host"))
	m.RecordResult("host", false)
	require.Equal(t, Closed, m.StateOf("host"))

	m.RecordResult("host", false)
	require.Equal(t, Open, m.StateOf("host"), "second failure at threshold=2 must trip the breaker")

	require.False(t, m.Allow("host"))
}

func TestBreaker_FallbackAndRejectedCounter(t *testing.T) {
	m := NewManager(ManagerConfig{BreakerCfg: Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Hour}})
	defer m.Stop()

	boom := errors.New("boom")
	_ = m.Call("host", func() error { return boom }, nil)
	_ = m.Call("host", func() error { return boom }, nil)
	require.Equal(t, Open, m.StateOf("host"))

	called := false
	err := m.Call("host", func() error { called = true; return nil }, func() error { return nil })
	require.NoError(t, err)
	require.False(t, called, "fn must not run while breaker is open")

	require.EqualValues(t, 1, m.StatsFor("host").TotalRejected)
}

func TestBreaker_HalfOpenThenClose(t *testing.T) {
	m := NewManager(ManagerConfig{BreakerCfg: Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond}})
	defer m.Stop()

	m.RecordResult("host", false)
	require.Equal(t, Open, m.StateOf("host"))

	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Allow("host"), "after reset timeout, a call must transition to HALF_OPEN")
	require.Equal(t, HalfOpen, m.StateOf("host"))

	m.RecordResult("host", true)
	require.Equal(t, HalfOpen, m.StateOf("host"), "one success is not enough with successThreshold=2")

	m.RecordResult("host", true)
	require.Equal(t, Closed, m.StateOf("host"))
}

func TestBreaker_HalfOpenFailureReturnsToOpen(t *testing.T) {
	m := NewManager(ManagerConfig{BreakerCfg: Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond}})
	defer m.Stop()

	m.RecordResult("host", false)
	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Allow("host"))
	require.Equal(t, HalfOpen, m.StateOf("host"))

	m.RecordResult("host", false)
	require.Equal(t, Open, m.StateOf("host"))
}

func TestBreaker_PerHostIsolation(t *testing.T) {
	m := NewManager(ManagerConfig{PerHost: true, BreakerCfg: Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}})
	defer m.Stop()

	m.RecordResult("a.example.com", false)
	require.Equal(t, Open, m.StateOf("a.example.com"))
	require.Equal(t, Closed, m.StateOf("b.example.com"), "failures on one host must not open another host's breaker")
}

func TestBreaker_GlobalSharesAcrossHosts(t *testing.T) {
	m := NewManager(ManagerConfig{PerHost: false, BreakerCfg: Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}})
	defer m.Stop()

	m.RecordResult("a.example.com", false)
	require.Equal(t, Open, m.StateOf("b.example.com"), "a non-per-host manager must share one breaker across all hosts")
}
