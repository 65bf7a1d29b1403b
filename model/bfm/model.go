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

// Package bfm implements Bayesian factorization machines: pairwise
// interaction models with low-rank latent factors fitted under a full
// Bayesian treatment, either by Gibbs sampling of the posterior or by a
// deterministic variational approximation. Repeated categorical entities
// share one compressed feature expansion through relation blocks instead of
// re-materializing rows.
package bfm

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/gorse-io/bayesfm/base/encoding"
	"github.com/gorse-io/bayesfm/model"
	"github.com/juju/errors"
)

// Callback is invoked synchronously after every iteration with the current
// sample. Returning true stops training early. Cancellation is expressed as
// the return value, never as a panic or signal.
type Callback func(iteration int, parameters *ParameterSample, hypers *HyperParameterSample) bool

// FitConfig carries per-fit options.
type FitConfig struct {
	Verbose    int
	GroupIndex []int
	Callback   Callback
}

// NewFitConfig creates a FitConfig with default options.
func NewFitConfig() *FitConfig {
	return &FitConfig{
		Verbose: 10,
	}
}

// SetVerbose sets the number of iterations between evaluations.
func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

// SetGroupIndex assigns each feature (main columns first, then each relation
// block's columns) to a regularization group. The default is a single group
// for all features.
func (config *FitConfig) SetGroupIndex(groupIndex []int) *FitConfig {
	config.GroupIndex = groupIndex
	return config
}

// SetCallback sets the per-iteration callback.
func (config *FitConfig) SetCallback(callback Callback) *FitConfig {
	config.Callback = callback
	return config
}

// LoadDefaultIfNil returns the default config when config is nil.
func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

// FactorizationMachine is the interface of both trainers.
type FactorizationMachine interface {
	model.Model
	// Task returns the task type fixed at construction.
	Task() TaskType
	// Fit trains the model and returns the posterior ensemble. The train
	// set is borrowed read-only for the duration of the run.
	Fit(ctx context.Context, trainSet, testSet *Dataset, config *FitConfig) (*PosteriorEnsemble, error)
	// Predict computes the ensemble prediction for every row.
	Predict(x *DesignMatrix, relations []*RelationBlock) ([]float64, error)
	// Marshal model into byte stream.
	Marshal(w io.Writer) error
	// Unmarshal model from byte stream.
	Unmarshal(r io.Reader) error
}

// BaseFM carries the configuration and the trained ensemble shared by the
// Gibbs and variational trainers.
//
// Hyper-parameters:
//
//	NFactors     - Rank of the factor matrix. Default is 8.
//	NIter        - Number of iterations. Default is 100.
//	NKeptSamples - Posterior samples kept from the end of the run
//	               (burn-in is NIter-NKeptSamples). Default is 10.
//	InitStdDev   - Standard deviation of the factor initialization.
//	               Default is 0.1.
//	RandomState  - Seed of the random generator. Default is 0.
//	Alpha0/Beta0 - Shape/rate of the Gamma hyper-priors. Default is 1/1.
//	Gamma0/Mu0   - Precision scale and mean of the group mean prior.
//	               Default is 1/0.
//	Reg0         - Prior precision of the global bias. Default is 1.
type BaseFM struct {
	model.BaseModel
	task     TaskType
	Ensemble *PosteriorEnsemble
	// hyper parameters
	nFactors     int
	nIter        int
	nKeptSamples int
	initStdDev   float64
	alpha0       float64
	beta0        float64
	gamma0       float64
	mu0          float64
	reg0         float64
}

// SetParams sets hyper-parameters.
func (fm *BaseFM) SetParams(params model.Params) {
	fm.BaseModel.SetParams(params)
	fm.nFactors = fm.Params.GetInt(model.NFactors, 8)
	fm.nIter = fm.Params.GetInt(model.NIter, 100)
	fm.nKeptSamples = fm.Params.GetInt(model.NKeptSamples, 10)
	fm.initStdDev = fm.Params.GetFloat64(model.InitStdDev, 0.1)
	fm.alpha0 = fm.Params.GetFloat64(model.Alpha0, 1)
	fm.beta0 = fm.Params.GetFloat64(model.Beta0, 1)
	fm.gamma0 = fm.Params.GetFloat64(model.Gamma0, 1)
	fm.mu0 = fm.Params.GetFloat64(model.Mu0, 0)
	fm.reg0 = fm.Params.GetFloat64(model.Reg0, 1)
}

// Task returns the task type.
func (fm *BaseFM) Task() TaskType {
	return fm.task
}

// Clear drops the trained ensemble.
func (fm *BaseFM) Clear() {
	fm.Ensemble = nil
}

// Invalid reports whether the model has no trained ensemble.
func (fm *BaseFM) Invalid() bool {
	return fm == nil || fm.Ensemble == nil
}

// validateConfig checks every configuration error eagerly, before any
// iteration runs.
func (fm *BaseFM) validateConfig() error {
	for name := range fm.Params {
		switch name {
		case model.NFactors, model.NIter, model.NKeptSamples, model.InitStdDev,
			model.RandomState, model.Alpha0, model.Beta0, model.Gamma0, model.Mu0, model.Reg0:
		default:
			return errors.NotValidf("unknown hyper-parameter %q", string(name))
		}
	}
	if fm.nFactors < 1 {
		return errors.NotValidf("NFactors %v", fm.nFactors)
	}
	if fm.nIter < 1 {
		return errors.NotValidf("NIter %v", fm.nIter)
	}
	if fm.nKeptSamples < 1 || fm.nKeptSamples > fm.nIter {
		return errors.NotValidf("NKeptSamples %v with NIter %v", fm.nKeptSamples, fm.nIter)
	}
	if fm.initStdDev <= 0 {
		return errors.NotValidf("InitStdDev %v", fm.initStdDev)
	}
	if fm.alpha0 <= 0 || fm.beta0 <= 0 || fm.gamma0 <= 0 || fm.reg0 <= 0 {
		return errors.NotValidf("hyper-prior (Alpha0=%v, Beta0=%v, Gamma0=%v, Reg0=%v)",
			fm.alpha0, fm.beta0, fm.gamma0, fm.reg0)
	}
	return nil
}

// fitState is the validated input of one training run.
type fitState struct {
	ud         *unifiedDesign
	y          []float64 // regression target or +-1 classification target
	labels     []int     // ordered probit labels
	numClasses int
	groups     []int
	numGroups  int
	testSet    *Dataset
	testUD     *unifiedDesign
}

// prepareFit validates the configuration, the train set, the optional
// held-out set and the group index.
func (fm *BaseFM) prepareFit(trainSet, testSet *Dataset, config *FitConfig) (*fitState, error) {
	if err := fm.validateConfig(); err != nil {
		return nil, errors.Trace(err)
	}
	if trainSet == nil || trainSet.X == nil {
		return nil, errors.NotValidf("nil train set")
	}
	if err := trainSet.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if trainSet.Target == nil {
		return nil, errors.NotValidf("train set without target")
	}
	st := &fitState{}
	var err error
	if st.ud, err = newUnifiedDesign(trainSet.X, trainSet.Relations); err != nil {
		return nil, errors.Trace(err)
	}
	if st.y, st.labels, st.numClasses, err = processTarget(fm.task, trainSet.Target); err != nil {
		return nil, errors.Trace(err)
	}
	// group index
	if config.GroupIndex != nil {
		if st.numGroups, err = validateGroupIndex(config.GroupIndex, st.ud.p); err != nil {
			return nil, errors.Trace(err)
		}
		st.groups = config.GroupIndex
	} else {
		st.groups = make([]int, st.ud.p)
		st.numGroups = 1
	}
	// held-out set
	if testSet != nil && (testSet.X != nil || testSet.Target != nil) {
		if testSet.X == nil || testSet.Target == nil {
			return nil, errors.Trace(ErrIncompleteTestSet)
		}
		if err = testSet.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if st.testUD, err = newUnifiedDesign(testSet.X, testSet.Relations); err != nil {
			return nil, errors.Trace(err)
		}
		if st.testUD.p != st.ud.p {
			return nil, errors.NotValidf("held-out feature count %v, train feature count %v",
				st.testUD.p, st.ud.p)
		}
		st.testSet = testSet
	}
	return st, nil
}

const (
	headerGibbsFM       = "gibbs"
	headerVariationalFM = "variational"
)

// Marshal model into byte stream.
func (fm *BaseFM) Marshal(w io.Writer) error {
	if err := encoding.WriteGob(w, fm.Params); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, int(fm.task)); err != nil {
		return errors.Trace(err)
	}
	hasEnsemble := fm.Ensemble != nil
	if err := encoding.WriteGob(w, hasEnsemble); err != nil {
		return errors.Trace(err)
	}
	if hasEnsemble {
		if err := fm.Ensemble.Marshal(w); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Unmarshal model from byte stream.
func (fm *BaseFM) Unmarshal(r io.Reader) error {
	if err := encoding.ReadGob(r, &fm.Params); err != nil {
		return errors.Trace(err)
	}
	fm.SetParams(fm.Params)
	var task int
	if err := encoding.ReadGob(r, &task); err != nil {
		return errors.Trace(err)
	}
	fm.task = TaskType(task)
	var hasEnsemble bool
	if err := encoding.ReadGob(r, &hasEnsemble); err != nil {
		return errors.Trace(err)
	}
	if hasEnsemble {
		fm.Ensemble = new(PosteriorEnsemble)
		if err := fm.Ensemble.Unmarshal(r); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// MarshalModel writes a trained model with a header naming its trainer.
func MarshalModel(w io.Writer, m FactorizationMachine) error {
	var header string
	switch m.(type) {
	case *GibbsFM:
		header = headerGibbsFM
	case *VariationalFM:
		header = headerVariationalFM
	default:
		return fmt.Errorf("unknown model: %v", reflect.TypeOf(m))
	}
	if err := encoding.WriteString(w, header); err != nil {
		return errors.Trace(err)
	}
	return m.Marshal(w)
}

// UnmarshalModel reads a model written by MarshalModel.
func UnmarshalModel(r io.Reader) (FactorizationMachine, error) {
	header, err := encoding.ReadString(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch header {
	case headerGibbsFM:
		var fm GibbsFM
		if err := fm.Unmarshal(r); err != nil {
			return nil, errors.Trace(err)
		}
		return &fm, nil
	case headerVariationalFM:
		var fm VariationalFM
		if err := fm.Unmarshal(r); err != nil {
			return nil, errors.Trace(err)
		}
		return &fm, nil
	}
	return nil, fmt.Errorf("unknown model: %v", header)
}
