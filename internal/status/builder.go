// Package status assembles firmware-compatible status documents from the
// current simulation state.
package status

import (
	"math/rand"
	"time"

	"codeberg.org/mutker/asicsim/internal/domain"
	"codeberg.org/mutker/asicsim/internal/faults"
)

const (
	statusCodeSummary = 11

	boardName = "BM1387"
	fanCount  = 2

	// Fan duty to rpm conversion for the mimicked chassis fans.
	rpmPerFanPercent = 60

	// Per-unit variance bounds. Small enough that the numbers never look
	// implausible next to the configured nominal rate.
	unitRateVariance = 0.03
	rate5sVariance   = 0.02
	unitTempSpreadC  = 4.0
	fanRPMJitter     = 50
)

// Counters are the cumulative, monotonically increasing totals threaded
// through every build.
type Counters struct {
	Accepted       uint64
	Rejected       uint64
	HardwareErrors uint64
	BestShare      uint64
	TotalMH        float64
}

// BuildInput is a consistent copy of the emulator state at one instant.
type BuildInput struct {
	Now           time.Time
	StartedAt     time.Time
	JunctionTempC float64
	Units         int
	NominalMHS    float64
	Fault         faults.Profile
	Domain        domain.Config
	Counters      Counters
	Rand          *rand.Rand
}

// Build assembles a fresh snapshot. It is pure apart from consuming
// randomness from in.Rand: cumulative counters are read from the input,
// never advanced here.
func Build(in BuildInput) Snapshot {
	rng := in.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(in.Now.UnixNano()))
	}

	units := in.Units
	if units < 1 {
		units = 1
	}

	elapsed := int64(in.Now.Sub(in.StartedAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}

	devs := buildDevs(in, units, rng)

	var rateSum float64
	for i := range devs {
		rateSum += devs[i].MHSAv
	}
	// The aggregate rate is derived from the per-unit rates, not
	// randomized independently, so the document stays internally
	// consistent.
	mhsAv := rateSum / float64(len(devs))
	mhs5s := mhsAv * (1 + (rng.Float64()*2-1)*rate5sVariance)

	fans := buildFans(in.Domain.FanPercent, rng)
	fanSpeeds := make([]int, len(fans))
	for i, fan := range fans {
		fanSpeeds[i] = fan.Speed
	}

	temps := make([]TempSensor, units)
	for i := range temps {
		temps[i] = TempSensor{ID: i, Temperature: devs[i].Temperature}
	}

	var rejectedPct float64
	if total := in.Counters.Accepted + in.Counters.Rejected; total > 0 {
		rejectedPct = float64(in.Counters.Rejected) / float64(total) * 100
	}

	return Snapshot{
		Status: []StatusInfo{{
			Status: "S",
			When:   in.Now.Unix(),
			Code:   statusCodeSummary,
			Msg:    "Summary",
		}},
		Summary: []Summary{{
			Elapsed:         elapsed,
			MHSAv:           mhsAv,
			MHS5s:           mhs5s,
			Temperature:     in.JunctionTempC,
			FanSpeed:        fanSpeeds,
			Accepted:        in.Counters.Accepted,
			Rejected:        in.Counters.Rejected,
			HardwareErrors:  in.Counters.HardwareErrors,
			TotalMH:         in.Counters.TotalMH,
			PoolRejectedPct: rejectedPct,
			BestShare:       in.Counters.BestShare,
		}},
		Devs:  devs,
		Fans:  fans,
		Temps: temps,
	}
}

func buildDevs(in BuildInput, units int, rng *rand.Rand) []Dev {
	nominalPerUnit := in.NominalMHS / float64(units)

	accepted := splitCounter(in.Counters.Accepted, units)
	rejected := splitCounter(in.Counters.Rejected, units)
	hwErrors := splitCounter(in.Counters.HardwareErrors, units)

	devs := make([]Dev, units)
	for i := range devs {
		rate := nominalPerUnit * (1 + (rng.Float64()*2-1)*unitRateVariance)
		temp := in.JunctionTempC + (rng.Float64()*2-1)*unitTempSpreadC

		if i == in.Fault.SilencedUnit {
			// A silent board reports no work and runs cooler.
			rate = 0
			temp = in.JunctionTempC - unitTempSpreadC
		}

		devs[i] = Dev{
			ASC:            i,
			Name:           boardName,
			Temperature:    temp,
			MHSAv:          rate,
			Accepted:       accepted[i],
			Rejected:       rejected[i],
			HardwareErrors: hwErrors[i],
		}
	}

	return devs
}

func buildFans(fanPercent int, rng *rand.Rand) []Fan {
	fans := make([]Fan, fanCount)
	for i := range fans {
		rpm := fanPercent * rpmPerFanPercent
		if rpm > 0 {
			rpm += rng.Intn(2*fanRPMJitter) - fanRPMJitter
			if rpm < 0 {
				rpm = 0
			}
		}
		fans[i] = Fan{ID: i, Speed: rpm}
	}

	return fans
}

// splitCounter distributes a cumulative total across units so per-unit
// counters sum exactly to the total and stay monotone between snapshots.
func splitCounter(total uint64, units int) []uint64 {
	per := total / uint64(units)
	rem := total % uint64(units)

	out := make([]uint64, units)
	for i := range out {
		out[i] = per
		if uint64(i) < rem {
			out[i]++
		}
	}

	return out
}
