// Copyright 2025 bayesfm Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package base

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// RandomGenerator is the random generator for bayesfm. All conditional draws
// of one training run come from a single seeded generator, in a fixed order,
// so identical seeds reproduce identical sample sequences.
type RandomGenerator struct {
	*rand.Rand
}

// NewRandomGenerator creates a RandomGenerator.
func NewRandomGenerator(seed int64) RandomGenerator {
	return RandomGenerator{rand.New(rand.NewSource(seed))}
}

// Normal draws from Normal(mean, stdDev^2).
func (rng RandomGenerator) Normal(mean, stdDev float64) float64 {
	return rng.NormFloat64()*stdDev + mean
}

// NormalVector makes a vector filled with normal random floats.
func (rng RandomGenerator) NormalVector(size int, mean, stdDev float64) []float64 {
	ret := make([]float64, size)
	for i := 0; i < len(ret); i++ {
		ret[i] = rng.NormFloat64()*stdDev + mean
	}
	return ret
}

// NormalMatrix makes a matrix filled with normal random floats.
func (rng RandomGenerator) NormalMatrix(row, col int, mean, stdDev float64) [][]float64 {
	ret := make([][]float64, row)
	for i := range ret {
		ret[i] = rng.NormalVector(col, mean, stdDev)
	}
	return ret
}

// UniformVector makes a vector filled with uniform random floats.
func (rng RandomGenerator) UniformVector(size int, low, high float64) []float64 {
	ret := make([]float64, size)
	scale := high - low
	for i := 0; i < len(ret); i++ {
		ret[i] = rng.Float64()*scale + low
	}
	return ret
}

// Gamma draws from Gamma(shape, rate) with mean shape/rate, using the
// Marsaglia-Tsang squeeze method. Shapes below one are boosted through
// Gamma(shape+1) and a uniform power.
func (rng RandomGenerator) Gamma(shape, rate float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return rng.Gamma(shape+1, rate) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v / rate
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v / rate
		}
	}
}

// TruncNormal draws from Normal(mean, stdDev^2) truncated to (lower, upper)
// by inverse-CDF sampling. Either bound may be infinite.
func (rng RandomGenerator) TruncNormal(mean, stdDev, lower, upper float64) float64 {
	a := 0.0
	if !math.IsInf(lower, -1) {
		a = distuv.UnitNormal.CDF((lower - mean) / stdDev)
	}
	b := 1.0
	if !math.IsInf(upper, 1) {
		b = distuv.UnitNormal.CDF((upper - mean) / stdDev)
	}
	u := a + rng.Float64()*(b-a)
	// keep the quantile away from the exact tails
	const eps = 1e-15
	if u < eps {
		u = eps
	} else if u > 1-eps {
		u = 1 - eps
	}
	z := mean + stdDev*distuv.UnitNormal.Quantile(u)
	if z < lower {
		z = lower
	} else if z > upper {
		z = upper
	}
	return z
}
