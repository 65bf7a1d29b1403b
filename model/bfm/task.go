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

	"github.com/juju/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// TaskType selects the link between the raw interaction score and the
// observable prediction, and the latent-variable augmentation used inside
// the samplers. The variant set is closed: behavior is dispatched by switch,
// never by inheritance.
type TaskType int

const (
	// Regression predicts real values with Gaussian noise.
	Regression TaskType = iota
	// Classification predicts binary labels through a probit link.
	Classification
	// OrderedProbit predicts ordinal categories through ordered cut-points.
	OrderedProbit
)

func (t TaskType) String() string {
	switch t {
	case Regression:
		return "regression"
	case Classification:
		return "classification"
	case OrderedProbit:
		return "ordered_probit"
	default:
		return "unknown"
	}
}

// ParseTaskType converts a task name to its TaskType.
func ParseTaskType(name string) (TaskType, error) {
	switch name {
	case "regression":
		return Regression, nil
	case "classification":
		return Classification, nil
	case "ordered_probit":
		return OrderedProbit, nil
	}
	return 0, errors.NotValidf("task type %q", name)
}

// probitProbability is the classification link: Phi(score * sqrt(alpha)).
func probitProbability(score, alpha float64) float64 {
	return distuv.UnitNormal.CDF(score * math.Sqrt(alpha))
}

// cumulativeProbability is P(y <= k) under the ordered probit link.
func cumulativeProbability(score, alpha, cutpoint float64) float64 {
	return distuv.UnitNormal.CDF((cutpoint - score) * math.Sqrt(alpha))
}

// classProbabilities writes the per-category probabilities of one row into
// out: CDF differences between adjacent cut-points at the scaled score.
func classProbabilities(score, alpha float64, cutpoints []float64, out []float64) {
	prev := 0.0
	for k := 0; k < len(cutpoints); k++ {
		cum := cumulativeProbability(score, alpha, cutpoints[k])
		out[k] = cum - prev
		prev = cum
	}
	out[len(cutpoints)] = 1 - prev
}

// processTarget converts raw targets into the working form of the task:
// identity for regression, {0,1} (or +-1) to +-1 for classification, and
// dense category ids for ordered probit. The returned labels slice is only
// set for ordered probit.
func processTarget(task TaskType, target []float64) (y []float64, labels []int, numClasses int, err error) {
	switch task {
	case Regression:
		for _, v := range target {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, 0, errors.NotValidf("non-finite target %v", v)
			}
		}
		return target, nil, 0, nil
	case Classification:
		y = make([]float64, len(target))
		for i, v := range target {
			switch v {
			case 0, -1:
				y[i] = -1
			case 1:
				y[i] = 1
			default:
				return nil, nil, 0, errors.NotValidf("binary target %v", v)
			}
		}
		return y, nil, 0, nil
	case OrderedProbit:
		labels = make([]int, len(target))
		for i, v := range target {
			k := int(v)
			if float64(k) != v || k < 0 {
				return nil, nil, 0, errors.NotValidf("ordinal target %v", v)
			}
			labels[i] = k
			if k+1 > numClasses {
				numClasses = k + 1
			}
		}
		if numClasses < 2 {
			return nil, nil, 0, errors.NotValidf("ordered probit with %v categories", numClasses)
		}
		return nil, labels, numClasses, nil
	default:
		return nil, nil, 0, errors.NotValidf("task type %v", int(task))
	}
}

// initialCutpoints places the cut-points at the standard normal quantiles of
// the empirical cumulative label frequencies, strictly increasing.
func initialCutpoints(labels []int, numClasses int) []float64 {
	counts := make([]float64, numClasses)
	for _, k := range labels {
		counts[k]++
	}
	total := float64(len(labels))
	cutpoints := make([]float64, numClasses-1)
	cum := 0.0
	for k := 0; k < numClasses-1; k++ {
		cum += counts[k]
		fraction := cum / total
		// guard against empty leading or trailing categories
		fraction = math.Min(math.Max(fraction, 1e-3), 1-1e-3)
		cutpoints[k] = distuv.UnitNormal.Quantile(fraction)
	}
	// enforce strict monotonicity when adjacent categories are empty
	for k := 1; k < len(cutpoints); k++ {
		if cutpoints[k] <= cutpoints[k-1] {
			cutpoints[k] = cutpoints[k-1] + 1e-6
		}
	}
	return cutpoints
}

// cutpointBounds returns the open truncation interval of the latent variable
// for an observed label under the given cut-points.
func cutpointBounds(label int, cutpoints []float64) (lower, upper float64) {
	lower = math.Inf(-1)
	if label > 0 {
		lower = cutpoints[label-1]
	}
	upper = math.Inf(1)
	if label < len(cutpoints) {
		upper = cutpoints[label]
	}
	return
}
