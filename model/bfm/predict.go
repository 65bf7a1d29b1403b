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
	"github.com/juju/errors"
)

// ensembleScores computes the raw per-sample scores of every row: one score
// vector per kept posterior sample.
func ensembleScores(e *PosteriorEnsemble, x *DesignMatrix, relations []*RelationBlock) ([][]float64, error) {
	if e.Len() == 0 {
		return nil, errors.Trace(ErrNoTrainedSamples)
	}
	if x == nil {
		return nil, errors.NotValidf("nil design matrix")
	}
	ud, err := newUnifiedDesign(x, relations)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ud.p != e.NumFeatures {
		return nil, errors.NotValidf("feature count %v, model expects %v", ud.p, e.NumFeatures)
	}
	scores := make([][]float64, e.Len())
	for m, sample := range e.Samples {
		scores[m] = make([]float64, ud.n)
		ud.score(sample.Parameters, scores[m])
	}
	return scores, nil
}

// ensemblePredict averages the per-sample predictions on the observable
// scale: raw scores for regression, probit probabilities for classification.
// For ordered probit it returns the category with the highest averaged
// probability, as a float.
func ensemblePredict(e *PosteriorEnsemble, x *DesignMatrix, relations []*RelationBlock) ([]float64, error) {
	switch e.taskOrInvalid() {
	case Regression, Classification:
		scores, err := ensembleScores(e, x, relations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out := make([]float64, len(scores[0]))
		for m, sample := range e.Samples {
			for i, score := range scores[m] {
				if e.Task == Classification {
					out[i] += probitProbability(score, sample.Hypers.Alpha)
				} else {
					out[i] += score
				}
			}
		}
		for i := range out {
			out[i] /= float64(e.Len())
		}
		return out, nil
	case OrderedProbit:
		probabilities, err := ensemblePredictProba(e, x, relations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out := make([]float64, len(probabilities))
		for i, row := range probabilities {
			out[i] = float64(argmax(row))
		}
		return out, nil
	}
	return nil, errors.Trace(ErrNoTrainedSamples)
}

// ensemblePredictProba returns per-row probability vectors averaged over the
// ensemble: two columns (negative, positive) for classification, one column
// per category for ordered probit. Regression has no probability output.
func ensemblePredictProba(e *PosteriorEnsemble, x *DesignMatrix, relations []*RelationBlock) ([][]float64, error) {
	switch e.taskOrInvalid() {
	case Regression:
		return nil, errors.NotValidf("probabilities for regression")
	case Classification:
		scores, err := ensembleScores(e, x, relations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out := make([][]float64, len(scores[0]))
		for i := range out {
			out[i] = make([]float64, 2)
		}
		for m, sample := range e.Samples {
			for i, score := range scores[m] {
				out[i][1] += probitProbability(score, sample.Hypers.Alpha)
			}
		}
		for i := range out {
			out[i][1] /= float64(e.Len())
			out[i][0] = 1 - out[i][1]
		}
		return out, nil
	case OrderedProbit:
		scores, err := ensembleScores(e, x, relations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out := make([][]float64, len(scores[0]))
		for i := range out {
			out[i] = make([]float64, e.NumClasses)
		}
		row := make([]float64, e.NumClasses)
		for m, sample := range e.Samples {
			for i, score := range scores[m] {
				classProbabilities(score, sample.Hypers.Alpha, sample.Hypers.Cutpoints, row)
				for k, p := range row {
					out[i][k] += p
				}
			}
		}
		for i := range out {
			for k := range out[i] {
				out[i][k] /= float64(e.Len())
			}
		}
		return out, nil
	}
	return nil, errors.Trace(ErrNoTrainedSamples)
}

// ensemblePredictLabels returns hard labels: 0/1 for classification and
// category ids for ordered probit.
func ensemblePredictLabels(e *PosteriorEnsemble, x *DesignMatrix, relations []*RelationBlock) ([]int, error) {
	switch e.taskOrInvalid() {
	case Regression:
		return nil, errors.NotValidf("labels for regression")
	case Classification:
		probabilities, err := ensemblePredict(e, x, relations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		labels := make([]int, len(probabilities))
		for i, p := range probabilities {
			if p >= 0.5 {
				labels[i] = 1
			}
		}
		return labels, nil
	case OrderedProbit:
		probabilities, err := ensemblePredictProba(e, x, relations)
		if err != nil {
			return nil, errors.Trace(err)
		}
		labels := make([]int, len(probabilities))
		for i, row := range probabilities {
			labels[i] = argmax(row)
		}
		return labels, nil
	}
	return nil, errors.Trace(ErrNoTrainedSamples)
}

// taskOrInvalid returns the ensemble task, or an out-of-range value when the
// ensemble holds no samples so that callers fall through to the error case.
func (e *PosteriorEnsemble) taskOrInvalid() TaskType {
	if e.Len() == 0 {
		return TaskType(-1)
	}
	return e.Task
}
