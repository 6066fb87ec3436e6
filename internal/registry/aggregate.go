package registry

import (
	"math"

	"github.com/modax/controld/internal/model"
)

// computeAggregate summarizes a non-empty window. Per-channel arrays use the
// channel count of the most recent sample; insertion rejects mismatched
// samples, so the window is uniform. Std is population stddev, clamped at
// zero against rounding.
func computeAggregate(deviceID string, window []model.SensorSample) model.Aggregate {
	n := len(window)
	last := window[n-1]
	nCur := len(last.MotorCurrents)
	nTemp := len(last.Temperatures)

	agg := model.Aggregate{
		DeviceID:        deviceID,
		SampleCount:     n,
		TimeWindowStart: window[0].Timestamp,
		TimeWindowEnd:   window[0].Timestamp,
		CurrentMean:     make([]float64, nCur),
		CurrentStd:      make([]float64, nCur),
		CurrentMax:      make([]float64, nCur),
		TemperatureMean: make([]float64, nTemp),
		TemperatureStd:  make([]float64, nTemp),
		TemperatureMax:  make([]float64, nTemp),
	}

	curSum := make([]float64, nCur)
	tempSum := make([]float64, nTemp)
	var vibSum, vibMax [4]float64
	for i := range agg.CurrentMax {
		agg.CurrentMax[i] = math.Inf(-1)
	}
	for i := range agg.TemperatureMax {
		agg.TemperatureMax[i] = math.Inf(-1)
	}
	for i := range vibMax {
		vibMax[i] = math.Inf(-1)
	}

	for _, s := range window {
		if s.Timestamp < agg.TimeWindowStart {
			agg.TimeWindowStart = s.Timestamp
		}
		if s.Timestamp > agg.TimeWindowEnd {
			agg.TimeWindowEnd = s.Timestamp
		}
		for i, v := range s.MotorCurrents {
			curSum[i] += v
			if v > agg.CurrentMax[i] {
				agg.CurrentMax[i] = v
			}
		}
		for i, v := range s.Temperatures {
			tempSum[i] += v
			if v > agg.TemperatureMax[i] {
				agg.TemperatureMax[i] = v
			}
		}
		vib := [4]float64{s.Vibration.X, s.Vibration.Y, s.Vibration.Z, s.Vibration.EffectiveMagnitude()}
		for i, v := range vib {
			vibSum[i] += v
			if v > vibMax[i] {
				vibMax[i] = v
			}
		}
	}

	fn := float64(n)
	for i := range curSum {
		agg.CurrentMean[i] = curSum[i] / fn
	}
	for i := range tempSum {
		agg.TemperatureMean[i] = tempSum[i] / fn
	}
	vibMean := [4]float64{vibSum[0] / fn, vibSum[1] / fn, vibSum[2] / fn, vibSum[3] / fn}

	// Second pass for population stddev; zero by definition for n < 2.
	if n >= 2 {
		curSq := make([]float64, nCur)
		tempSq := make([]float64, nTemp)
		var vibSq [4]float64
		for _, s := range window {
			for i, v := range s.MotorCurrents {
				d := v - agg.CurrentMean[i]
				curSq[i] += d * d
			}
			for i, v := range s.Temperatures {
				d := v - agg.TemperatureMean[i]
				tempSq[i] += d * d
			}
			vib := [4]float64{s.Vibration.X, s.Vibration.Y, s.Vibration.Z, s.Vibration.EffectiveMagnitude()}
			for i, v := range vib {
				d := v - vibMean[i]
				vibSq[i] += d * d
			}
		}
		for i := range curSq {
			agg.CurrentStd[i] = math.Sqrt(math.Max(0, curSq[i]/fn))
		}
		for i := range tempSq {
			agg.TemperatureStd[i] = math.Sqrt(math.Max(0, tempSq[i]/fn))
		}
		agg.VibrationStd = model.VibrationStats{
			X:         math.Sqrt(math.Max(0, vibSq[0]/fn)),
			Y:         math.Sqrt(math.Max(0, vibSq[1]/fn)),
			Z:         math.Sqrt(math.Max(0, vibSq[2]/fn)),
			Magnitude: math.Sqrt(math.Max(0, vibSq[3]/fn)),
		}
	}

	agg.VibrationMean = model.VibrationStats{X: vibMean[0], Y: vibMean[1], Z: vibMean[2], Magnitude: vibMean[3]}
	agg.VibrationMax = model.VibrationStats{X: vibMax[0], Y: vibMax[1], Z: vibMax[2], Magnitude: vibMax[3]}
	return agg
}
