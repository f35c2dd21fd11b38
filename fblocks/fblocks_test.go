package fblocks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTONTimerDelaysRisingEdge(t *testing.T) {
	var ton TONTimer
	ton.Preset = 10 * time.Millisecond

	q, _ := ton.Update(true, 4*time.Millisecond)
	require.False(t, q)
	q, _ = ton.Update(true, 4*time.Millisecond)
	require.False(t, q)
	q, et := ton.Update(true, 4*time.Millisecond)
	require.True(t, q)
	require.Equal(t, ton.Preset, et)

	q, _ = ton.Update(false, 4*time.Millisecond)
	require.False(t, q)
}

func TestTOFTimerHoldsAfterFallingEdge(t *testing.T) {
	var tof TOFTimer
	tof.Preset = 10 * time.Millisecond

	q, _ := tof.Update(true, time.Millisecond)
	require.True(t, q)
	q, _ = tof.Update(false, 4*time.Millisecond)
	require.True(t, q) // still within the hold window
	q, _ = tof.Update(false, 4*time.Millisecond)
	require.True(t, q)
	q, _ = tof.Update(false, 4*time.Millisecond)
	require.False(t, q) // 12ms since falling edge, past the 10ms preset
}

func TestTPTimerPulseIgnoresExtendedInput(t *testing.T) {
	var tp TPTimer
	tp.Preset = 6 * time.Millisecond

	q, _ := tp.Update(true, 2*time.Millisecond)
	require.True(t, q)
	q, _ = tp.Update(true, 2*time.Millisecond)
	require.True(t, q)
	q, _ = tp.Update(true, 2*time.Millisecond)
	require.False(t, q) // pulse width elapsed even though IN is still true
	q, _ = tp.Update(true, 2*time.Millisecond)
	require.False(t, q) // no re-trigger until IN returns to false first
}

func TestCTUCountsRisingEdgesAndSaturates(t *testing.T) {
	var ctu CTU
	ctu.Preset = 2

	q, cv := ctu.Update(true, false)
	require.False(t, q)
	require.Equal(t, int32(1), cv)

	q, cv = ctu.Update(false, false) // no edge, no increment
	require.False(t, q)
	require.Equal(t, int32(1), cv)

	q, cv = ctu.Update(true, false)
	require.True(t, q)
	require.Equal(t, int32(2), cv)

	q, cv = ctu.Update(true, false) // already at preset, re-edge requires a low first
	require.True(t, q)
	require.Equal(t, int32(2), cv)

	q, cv = ctu.Update(false, true) // reset
	require.False(t, q)
	require.Zero(t, cv)
}

func TestCTDCountsDownFromLoadedPreset(t *testing.T) {
	var ctd CTD
	ctd.Preset = 2

	q, cv := ctd.Update(false, true) // load
	require.False(t, q)
	require.Equal(t, int32(2), cv)

	q, cv = ctd.Update(true, false) // rising edge #1
	require.False(t, q)
	require.Equal(t, int32(1), cv)

	q, cv = ctd.Update(false, false) // CD released, no decrement
	require.False(t, q)
	require.Equal(t, int32(1), cv)

	q, cv = ctd.Update(true, false) // rising edge #2
	require.True(t, q)
	require.Zero(t, cv)
}

func TestCTUDTracksBothDirections(t *testing.T) {
	var ctud CTUD
	ctud.PresetUp = 2

	qu, qd, cv := ctud.Update(true, false, false, false, 0) // rising edge on CU
	require.False(t, qu)
	require.False(t, qd)
	require.Equal(t, int32(1), cv)

	qu, qd, cv = ctud.Update(false, false, false, false, 0) // CU released
	require.False(t, qu)
	require.False(t, qd)
	require.Equal(t, int32(1), cv)

	qu, qd, cv = ctud.Update(true, false, false, false, 0) // rising edge on CU again
	require.True(t, qu)
	require.False(t, qd)
	require.Equal(t, int32(2), cv)

	qu, qd, cv = ctud.Update(false, true, false, false, 0) // rising edge on CD
	require.False(t, qu)
	require.False(t, qd)
	require.Equal(t, int32(1), cv)
}

func TestRTrigFiresOnceOnRisingEdge(t *testing.T) {
	var r RTrig
	require.True(t, r.Update(true))
	require.False(t, r.Update(true))
	require.False(t, r.Update(false))
	require.True(t, r.Update(true))
}

func TestFTrigFiresOnceOnFallingEdge(t *testing.T) {
	var f FTrig
	require.False(t, f.Update(true))
	require.True(t, f.Update(false))
	require.False(t, f.Update(false))
}

func TestSRBistableSetDominant(t *testing.T) {
	var sr SRBistable
	require.True(t, sr.Update(true, false))
	require.True(t, sr.Update(true, true)) // set wins when both asserted
	require.False(t, sr.Update(false, true))
}

func TestRSBistableResetDominant(t *testing.T) {
	var rs RSBistable
	require.True(t, rs.Update(true, false))
	require.False(t, rs.Update(true, true)) // reset wins when both asserted
}
