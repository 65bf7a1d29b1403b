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
	"context"
	"math"
	"testing"

	"github.com/gorse-io/bayesfm/base"
	"github.com/gorse-io/bayesfm/base/log"
	"github.com/gorse-io/bayesfm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.CloseLogger()
	m.Run()
}

// regressionData draws rows with three uniform features and a noiseless
// linear target.
func regressionData(t *testing.T, n int) *Dataset {
	rng := base.NewRandomGenerator(1)
	rows := make([][]float64, n)
	targets := make([]float64, n)
	for i := range rows {
		rows[i] = rng.UniformVector(3, -1, 1)
		targets[i] = 0.3 + rows[i][0] - 2*rows[i][1] + 0.5*rows[i][2]
	}
	x, err := NewDesignMatrixFromDense(rows)
	require.NoError(t, err)
	d, err := NewDataset(x, nil, targets)
	require.NoError(t, err)
	return d
}

func TestGibbsFM_Regression(t *testing.T) {
	trainSet := regressionData(t, 200)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        100,
		model.NKeptSamples: 20,
	})
	ensemble, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, ensemble.Len())
	assert.False(t, fm.Invalid())

	predictions, err := fm.Predict(trainSet.X, nil)
	require.NoError(t, err)
	assert.Less(t, RMSE(predictions, trainSet.Target), 0.3)
}

func TestGibbsFM_Determinism(t *testing.T) {
	trainSet := regressionData(t, 100)
	params := model.Params{
		model.NFactors:     2,
		model.NIter:        20,
		model.NKeptSamples: 5,
		model.RandomState:  int64(42),
	}
	a, err := NewGibbsFM(Regression, params).Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	b, err := NewGibbsFM(Regression, params).Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGibbsFM_RefitDeterminism(t *testing.T) {
	// fitting twice with the same instance reproduces the same ensemble
	trainSet := regressionData(t, 100)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        20,
		model.NKeptSamples: 5,
	})
	a, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	b, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGibbsFM_Classification(t *testing.T) {
	rng := base.NewRandomGenerator(2)
	n := 300
	rows := make([][]float64, n)
	targets := make([]float64, n)
	for i := range rows {
		rows[i] = rng.UniformVector(2, -1, 1)
		if rows[i][0]+rows[i][1] > 0 {
			targets[i] = 1
		}
	}
	x, err := NewDesignMatrixFromDense(rows)
	require.NoError(t, err)
	trainSet, err := NewDataset(x, nil, targets)
	require.NoError(t, err)

	fm := NewGibbsFM(Classification, model.Params{
		model.NFactors:     2,
		model.NIter:        50,
		model.NKeptSamples: 10,
	})
	_, err = fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)

	probabilities, err := fm.Predict(trainSet.X, nil)
	require.NoError(t, err)
	for _, p := range probabilities {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
	assert.Greater(t, BinaryAccuracy(probabilities, targets), 0.8)

	// two-column probabilities sum to one
	proba, err := fm.PredictProba(trainSet.X, nil)
	require.NoError(t, err)
	for i, row := range proba {
		require.Len(t, row, 2)
		assert.InDelta(t, 1, row[0]+row[1], 1e-12)
		assert.InDelta(t, probabilities[i], row[1], 1e-12)
	}

	labels, err := fm.PredictLabels(trainSet.X, nil)
	require.NoError(t, err)
	for i, label := range labels {
		assert.Equal(t, probabilities[i] >= 0.5, label == 1)
	}
}

func TestGibbsFM_OrderedProbit(t *testing.T) {
	rng := base.NewRandomGenerator(3)
	n := 300
	rows := make([][]float64, n)
	targets := make([]float64, n)
	for i := range rows {
		rows[i] = rng.UniformVector(2, -1, 1)
		score := 2 * rows[i][0]
		switch {
		case score < -0.5:
			targets[i] = 0
		case score < 0.5:
			targets[i] = 1
		default:
			targets[i] = 2
		}
	}
	x, err := NewDesignMatrixFromDense(rows)
	require.NoError(t, err)
	trainSet, err := NewDataset(x, nil, targets)
	require.NoError(t, err)

	fm := NewGibbsFM(OrderedProbit, model.Params{
		model.NFactors:     2,
		model.NIter:        50,
		model.NKeptSamples: 10,
	})
	ensemble, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ensemble.NumClasses)

	// cut-points stay strictly increasing in every kept sample
	for _, sample := range ensemble.Samples {
		cutpoints := sample.Hypers.Cutpoints
		require.Len(t, cutpoints, 2)
		assert.Greater(t, cutpoints[1], cutpoints[0])
		// the probit tasks pin the noise precision
		assert.Equal(t, 1.0, sample.Hypers.Alpha)
	}

	proba, err := fm.PredictProba(trainSet.X, nil)
	require.NoError(t, err)
	for _, row := range proba {
		require.Len(t, row, 3)
		total := 0.0
		for _, p := range row {
			assert.GreaterOrEqual(t, p, 0.0)
			total += p
		}
		assert.InDelta(t, 1, total, 1e-12)
	}

	labels, err := fm.PredictLabels(trainSet.X, nil)
	require.NoError(t, err)
	assert.Greater(t, OrdinalAccuracy(labels, targets), 0.6)
}

func TestGibbsFM_TinyDataset(t *testing.T) {
	// five rows and three features is enough to train end to end
	x, err := NewDesignMatrixFromDense([][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{1, 1, 0},
		{0, 1, 1},
	})
	require.NoError(t, err)
	trainSet, err := NewDataset(x, nil, []float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        20,
		model.NKeptSamples: 5,
	})
	ensemble, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, ensemble.Len())
	predictions, err := fm.Predict(trainSet.X, nil)
	require.NoError(t, err)
	require.Len(t, predictions, 5)
	for _, p := range predictions {
		assert.False(t, math.IsNaN(p))
		assert.False(t, math.IsInf(p, 0))
	}
}

func TestGibbsFM_TinyDatasetClassification(t *testing.T) {
	x, err := NewDesignMatrixFromDense([][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{1, 1, 0},
		{0, 1, 1},
	})
	require.NoError(t, err)
	trainSet, err := NewDataset(x, nil, []float64{0, 0, 1, 0, 1})
	require.NoError(t, err)
	fm := NewGibbsFM(Classification, model.Params{
		model.NFactors:     2,
		model.NIter:        20,
		model.NKeptSamples: 5,
	})
	_, err = fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	probabilities, err := fm.Predict(trainSet.X, nil)
	require.NoError(t, err)
	for _, p := range probabilities {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestGibbsFM_Callback(t *testing.T) {
	trainSet := regressionData(t, 50)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        50,
		model.NKeptSamples: 50,
	})
	var iterations []int
	config := NewFitConfig().SetCallback(func(iteration int, parameters *ParameterSample, hypers *HyperParameterSample) bool {
		iterations = append(iterations, iteration)
		assert.NotNil(t, parameters)
		assert.NotNil(t, hypers)
		return iteration == 3
	})
	ensemble, err := fm.Fit(context.Background(), trainSet, nil, config)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, iterations)
	// every iteration before the stop was past burn-in, so all are kept
	assert.Equal(t, 3, ensemble.Len())
}

func TestGibbsFM_EarlyStopEmptyEnsemble(t *testing.T) {
	trainSet := regressionData(t, 50)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        50,
		model.NKeptSamples: 10,
	})
	config := NewFitConfig().SetCallback(func(iteration int, _ *ParameterSample, _ *HyperParameterSample) bool {
		return iteration == 3
	})
	ensemble, err := fm.Fit(context.Background(), trainSet, nil, config)
	require.NoError(t, err)
	assert.Zero(t, ensemble.Len())
	_, err = fm.Predict(trainSet.X, nil)
	assert.ErrorIs(t, err, ErrNoTrainedSamples)
}

// relationRegressionData builds a user/item style dataset where item
// features are shared through a relation block.
func relationRegressionData(t *testing.T, n int) (*Dataset, *Dataset) {
	rng := base.NewRandomGenerator(4)
	itemFeatures := [][]float64{
		{1, 0, 0.5},
		{0, 1, 0},
		{0.5, 0.5, 1},
		{1, 1, 0},
	}
	block, err := NewDesignMatrixFromDense(itemFeatures)
	require.NoError(t, err)
	index := make([]int32, n)
	rows := make([][]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		index[i] = int32(rng.Intn(len(itemFeatures)))
		rows[i] = rng.UniformVector(2, -1, 1)
		item := itemFeatures[index[i]]
		targets[i] = rows[i][0] - rows[i][1] + item[0] - 0.5*item[1] + 0.25*item[2]
	}
	x, err := NewDesignMatrixFromDense(rows)
	require.NoError(t, err)
	rel, err := NewRelationBlock(index, block)
	require.NoError(t, err)
	compressed, err := NewDataset(x, []*RelationBlock{rel}, targets)
	require.NoError(t, err)

	// expanded copy without the relation block
	dense, err := rel.ToDense()
	require.NoError(t, err)
	merged := make([][]float64, n)
	for i := range merged {
		merged[i] = make([]float64, x.Cols()+dense.Cols())
		copy(merged[i], rows[i])
		indices, values := dense.Row(i)
		for k, j := range indices {
			merged[i][x.Cols()+int(j)] = values[k]
		}
	}
	mergedMatrix, err := NewDesignMatrixFromDense(merged)
	require.NoError(t, err)
	expanded, err := NewDataset(mergedMatrix, nil, targets)
	require.NoError(t, err)
	return compressed, expanded
}

func TestGibbsFM_RelationBlocks(t *testing.T) {
	compressed, expanded := relationRegressionData(t, 200)
	params := model.Params{
		model.NFactors:     2,
		model.NIter:        100,
		model.NKeptSamples: 20,
	}
	fmCompressed := NewGibbsFM(Regression, params)
	_, err := fmCompressed.Fit(context.Background(), compressed, nil, nil)
	require.NoError(t, err)
	fmExpanded := NewGibbsFM(Regression, params)
	_, err = fmExpanded.Fit(context.Background(), expanded, nil, nil)
	require.NoError(t, err)

	a, err := fmCompressed.Predict(compressed.X, compressed.Relations)
	require.NoError(t, err)
	b, err := fmExpanded.Predict(expanded.X, nil)
	require.NoError(t, err)
	// both renditions of the same rows fit the target equally well
	assert.Less(t, RMSE(a, compressed.Target), 0.4)
	assert.Less(t, RMSE(b, expanded.Target), 0.4)
}

func TestGibbsFM_GroupIndex(t *testing.T) {
	trainSet := regressionData(t, 100)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        20,
		model.NKeptSamples: 5,
	})
	config := NewFitConfig().SetGroupIndex([]int{0, 0, 1})
	ensemble, err := fm.Fit(context.Background(), trainSet, nil, config)
	require.NoError(t, err)
	require.Equal(t, 5, ensemble.Len())
	for _, sample := range ensemble.Samples {
		assert.Len(t, sample.Hypers.LambdaW, 2)
		assert.Len(t, sample.Hypers.LambdaV, 2)
	}
}

func TestGibbsFM_HeldOut(t *testing.T) {
	trainSet := regressionData(t, 150)
	testSet := regressionData(t, 150)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        20,
		model.NKeptSamples: 5,
	})
	_, err := fm.Fit(context.Background(), trainSet, testSet, NewFitConfig().SetVerbose(5))
	assert.NoError(t, err)

	// incomplete held-out set
	fm.Clear()
	_, err = fm.Fit(context.Background(), trainSet, &Dataset{X: testSet.X}, nil)
	assert.ErrorIs(t, err, ErrIncompleteTestSet)
}

func TestGibbsFM_NumericInstability(t *testing.T) {
	// Finite feature values whose squares overflow drive the running score
	// non-finite inside the first sweep, which must abort the fit instead of
	// training on NaN.
	rows := make([][]float64, 5)
	for i := range rows {
		rows[i] = []float64{1e200, 1e200}
	}
	x, err := NewDesignMatrixFromDense(rows)
	require.NoError(t, err)
	trainSet, err := NewDataset(x, nil, []float64{1, 2, 3, 4, 5})
	require.NoError(t, err)

	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        5,
		model.NKeptSamples: 1,
	})
	_, err = fm.Fit(context.Background(), trainSet, nil, nil)
	assert.ErrorIs(t, err, ErrNumericInstability)
	assert.True(t, fm.Invalid())
}
