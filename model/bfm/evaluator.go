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

package bfm

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// RMSE is the root mean squared error between predictions and targets.
func RMSE(predictions, targets []float64) float64 {
	if len(predictions) == 0 {
		return 0
	}
	return floats.Distance(predictions, targets, 2) / math.Sqrt(float64(len(predictions)))
}

// BinaryAccuracy is the share of rows whose probability of the positive
// class lands on the observed side of 1/2. Targets use {0,1} or {-1,1}.
func BinaryAccuracy(probabilities, targets []float64) float64 {
	if len(probabilities) == 0 {
		return 0
	}
	correct := 0
	for i, p := range probabilities {
		if (p >= 0.5) == (targets[i] > 0) {
			correct++
		}
	}
	return float64(correct) / float64(len(probabilities))
}

// LogLoss is the mean negative log likelihood of binary targets under the
// predicted positive-class probabilities, clamped away from exact 0 and 1.
func LogLoss(probabilities, targets []float64) float64 {
	if len(probabilities) == 0 {
		return 0
	}
	const eps = 1e-15
	total := 0.0
	for i, p := range probabilities {
		p = math.Min(math.Max(p, eps), 1-eps)
		if targets[i] > 0 {
			total -= math.Log(p)
		} else {
			total -= math.Log(1 - p)
		}
	}
	return total / float64(len(probabilities))
}

// OrdinalAccuracy is the share of rows whose predicted category equals the
// observed category id.
func OrdinalAccuracy(labels []int, targets []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, label := range labels {
		if label == int(targets[i]) {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}
