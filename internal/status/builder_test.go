package status_test

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/asicsim/internal/domain"
	"codeberg.org/mutker/asicsim/internal/faults"
	"codeberg.org/mutker/asicsim/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildInput() status.BuildInput {
	now := time.Unix(1700003600, 0)
	return status.BuildInput{
		Now:           now,
		StartedAt:     now.Add(-time.Hour),
		JunctionTempC: 72.5,
		Units:         3,
		NominalMHS:    13500000,
		Fault: faults.Profile{
			NonceErrorRate: 0.001,
			SilencedUnit:   1,
			SilencePeriod:  20 * time.Minute,
		},
		Domain: domain.Config{
			Name:         domain.Balanced,
			VoltageMV:    1225,
			FrequencyMHz: 450,
			PowerLimitW:  2800,
			FanPercent:   75,
		},
		Counters: status.Counters{
			Accepted:       1000,
			Rejected:       10,
			HardwareErrors: 7,
			BestShare:      123456789,
			TotalMH:        48600000000,
		},
		Rand: rand.New(rand.NewSource(5)),
	}
}

func TestSummaryIsMeanOfDevs(t *testing.T) {
	snapshot := status.Build(buildInput())

	require.Len(t, snapshot.Summary, 1)
	require.Len(t, snapshot.Devs, 3)

	var sum float64
	for _, dev := range snapshot.Devs {
		sum += dev.MHSAv
	}
	assert.InDelta(t, sum/3, snapshot.Summary[0].MHSAv, 1e-6)
}

func TestSilencedUnitReportsNoWork(t *testing.T) {
	snapshot := status.Build(buildInput())

	assert.Zero(t, snapshot.Devs[1].MHSAv, "silenced board must hash nothing")
	assert.NotZero(t, snapshot.Devs[0].MHSAv)
	assert.NotZero(t, snapshot.Devs[2].MHSAv)
	assert.Less(t, snapshot.Devs[1].Temperature, 72.5, "silenced board runs cooler")
}

func TestPerUnitVarianceIsBounded(t *testing.T) {
	in := buildInput()
	snapshot := status.Build(in)

	nominalPerUnit := in.NominalMHS / 3
	for i, dev := range snapshot.Devs {
		if i == in.Fault.SilencedUnit {
			continue
		}
		assert.InDelta(t, nominalPerUnit, dev.MHSAv, nominalPerUnit*0.031,
			"unit %d rate outside variance bounds", i)
		assert.InDelta(t, in.JunctionTempC, dev.Temperature, 4.01)
	}
}

func TestCountersAreThreadedNotInvented(t *testing.T) {
	in := buildInput()
	snapshot := status.Build(in)

	summary := snapshot.Summary[0]
	assert.Equal(t, uint64(1000), summary.Accepted)
	assert.Equal(t, uint64(10), summary.Rejected)
	assert.Equal(t, uint64(7), summary.HardwareErrors)
	assert.Equal(t, uint64(123456789), summary.BestShare)
	assert.InDelta(t, 48600000000, summary.TotalMH, 1)
	assert.InDelta(t, float64(10)/1010*100, summary.PoolRejectedPct, 1e-9)

	var accepted, rejected, hwErrors uint64
	for _, dev := range snapshot.Devs {
		accepted += dev.Accepted
		rejected += dev.Rejected
		hwErrors += dev.HardwareErrors
	}
	assert.Equal(t, summary.Accepted, accepted, "per-unit accepted must sum to the total")
	assert.Equal(t, summary.Rejected, rejected)
	assert.Equal(t, summary.HardwareErrors, hwErrors)
}

func TestElapsedAndHeader(t *testing.T) {
	in := buildInput()
	snapshot := status.Build(in)

	require.Len(t, snapshot.Status, 1)
	assert.Equal(t, "S", snapshot.Status[0].Status)
	assert.Equal(t, in.Now.Unix(), snapshot.Status[0].When)
	assert.Equal(t, 11, snapshot.Status[0].Code)
	assert.Equal(t, "Summary", snapshot.Status[0].Msg)

	assert.Equal(t, int64(3600), snapshot.Summary[0].Elapsed)
}

func TestWireFormatFieldNames(t *testing.T) {
	raw, err := json.Marshal(status.Build(buildInput()))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))

	for _, key := range []string{"STATUS", "SUMMARY", "DEVS", "FANS", "TEMPS"} {
		assert.Contains(t, doc, key)
	}

	var summaries []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["SUMMARY"], &summaries))
	require.Len(t, summaries, 1)
	for _, key := range []string{
		"Elapsed", "MHS av", "MHS 5s", "Temperature", "Fan Speed",
		"Accepted", "Rejected", "Hardware Errors", "Total MH",
		"Pool Rejected%", "Best Share",
	} {
		assert.Contains(t, summaries[0], key, "SUMMARY missing %q", key)
	}

	var devs []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["DEVS"], &devs))
	require.Len(t, devs, 3)
	for _, key := range []string{"ASC", "Name", "Temperature", "MHS av", "Accepted", "Rejected", "Hardware Errors"} {
		assert.Contains(t, devs[0], key, "DEVS missing %q", key)
	}

	var fans []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["FANS"], &fans))
	require.Len(t, fans, 2)
	assert.Contains(t, fans[0], "ID")
	assert.Contains(t, fans[0], "Speed")

	var temps []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["TEMPS"], &temps))
	require.Len(t, temps, 3)
	assert.Contains(t, temps[0], "ID")
	assert.Contains(t, temps[0], "Temperature")
}

func TestFanSpeedsTrackDuty(t *testing.T) {
	in := buildInput()
	snapshot := status.Build(in)

	for _, fan := range snapshot.Fans {
		assert.InDelta(t, 75*60, fan.Speed, 50.01, "fan %d rpm off duty point", fan.ID)
	}
	assert.Equal(t, len(snapshot.Fans), len(snapshot.Summary[0].FanSpeed))
}
