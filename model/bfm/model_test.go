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
	"bytes"
	"context"
	"testing"

	"github.com/gorse-io/bayesfm/base/encoding"
	"github.com/gorse-io/bayesfm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitConfig(t *testing.T) {
	var config *FitConfig
	config = config.LoadDefaultIfNil()
	assert.NotNil(t, config)
	assert.Equal(t, 10, config.Verbose)

	config = NewFitConfig().
		SetVerbose(5).
		SetGroupIndex([]int{0, 0, 1}).
		SetCallback(func(int, *ParameterSample, *HyperParameterSample) bool { return false })
	assert.Equal(t, 5, config.Verbose)
	assert.Equal(t, []int{0, 0, 1}, config.GroupIndex)
	assert.NotNil(t, config.Callback)
}

func TestBaseFM_Validation(t *testing.T) {
	trainSet := regressionData(t, 10)
	// invalid rank
	fm := NewGibbsFM(Regression, model.Params{model.NFactors: 0})
	_, err := fm.Fit(context.Background(), trainSet, nil, nil)
	assert.Error(t, err)
	// kept samples beyond iterations
	fm = NewGibbsFM(Regression, model.Params{model.NIter: 5, model.NKeptSamples: 10})
	_, err = fm.Fit(context.Background(), trainSet, nil, nil)
	assert.Error(t, err)
	// invalid initialization
	fm = NewGibbsFM(Regression, model.Params{model.InitStdDev: -1.0})
	_, err = fm.Fit(context.Background(), trainSet, nil, nil)
	assert.Error(t, err)
	// nil train set
	fm = NewGibbsFM(Regression, nil)
	_, err = fm.Fit(context.Background(), nil, nil, nil)
	assert.Error(t, err)
	// missing target
	_, err = fm.Fit(context.Background(), &Dataset{X: trainSet.X}, nil, nil)
	assert.Error(t, err)
	// group index length mismatch
	_, err = fm.Fit(context.Background(), trainSet, nil, NewFitConfig().SetGroupIndex([]int{0}))
	assert.Error(t, err)
	// unknown hyper-parameter name
	fm = NewGibbsFM(Regression, model.Params{model.ParamName("NFactor"): 4})
	_, err = fm.Fit(context.Background(), trainSet, nil, nil)
	assert.Error(t, err)
	assert.ErrorContains(t, err, "NFactor")
}

func TestBaseFM_PredictBeforeFit(t *testing.T) {
	trainSet := regressionData(t, 10)
	fm := NewGibbsFM(Regression, nil)
	assert.True(t, fm.Invalid())
	_, err := fm.Predict(trainSet.X, nil)
	assert.ErrorIs(t, err, ErrNoTrainedSamples)
}

func TestBaseFM_PredictShapeMismatch(t *testing.T) {
	trainSet := regressionData(t, 20)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        10,
		model.NKeptSamples: 2,
	})
	_, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	// prediction rows must carry the training feature count
	narrow, err := NewDesignMatrixFromDense([][]float64{{1, 2}})
	require.NoError(t, err)
	_, err = fm.Predict(narrow, nil)
	assert.Error(t, err)
}

func TestMarshalModel_Gibbs(t *testing.T) {
	trainSet := regressionData(t, 50)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        10,
		model.NKeptSamples: 3,
	})
	_, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, MarshalModel(buf, fm))
	loaded, err := UnmarshalModel(buf)
	require.NoError(t, err)
	loadedFM, ok := loaded.(*GibbsFM)
	require.True(t, ok)
	assert.Equal(t, Regression, loadedFM.Task())
	// the ensemble round-trips bit exactly
	assert.Equal(t, fm.Ensemble, loadedFM.Ensemble)

	a, err := fm.Predict(trainSet.X, nil)
	require.NoError(t, err)
	b, err := loadedFM.Predict(trainSet.X, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalModel_Variational(t *testing.T) {
	trainSet := regressionData(t, 50)
	fm := NewVariationalFM(Regression, model.Params{
		model.NFactors: 2,
		model.NIter:    20,
	})
	_, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, MarshalModel(buf, fm))
	loaded, err := UnmarshalModel(buf)
	require.NoError(t, err)
	loadedFM, ok := loaded.(*VariationalFM)
	require.True(t, ok)
	assert.Equal(t, fm.Ensemble, loadedFM.Ensemble)
}

func TestMarshalModel_UnknownHeader(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	require.NoError(t, encoding.WriteString(buf, "mystery"))
	_, err := UnmarshalModel(buf)
	assert.Error(t, err)
}

func TestBaseFM_Clear(t *testing.T) {
	trainSet := regressionData(t, 20)
	fm := NewGibbsFM(Regression, model.Params{
		model.NFactors:     2,
		model.NIter:        10,
		model.NKeptSamples: 2,
	})
	_, err := fm.Fit(context.Background(), trainSet, nil, nil)
	require.NoError(t, err)
	assert.False(t, fm.Invalid())
	fm.Clear()
	assert.True(t, fm.Invalid())
}
