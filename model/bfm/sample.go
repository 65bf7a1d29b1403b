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
	"io"

	"github.com/gorse-io/bayesfm/base/encoding"
	"github.com/juju/errors"
)

// ParameterSample is one posterior draw (or variational estimate) of the
// model weights: global bias, main-effect weights and the latent factor
// matrix of shape (feature count, rank).
type ParameterSample struct {
	W0 float64
	W  []float64
	V  [][]float64
}

func newParameterSample(numFeatures, numFactors int) *ParameterSample {
	v := make([][]float64, numFeatures)
	for i := range v {
		v[i] = make([]float64, numFactors)
	}
	return &ParameterSample{
		W: make([]float64, numFeatures),
		V: v,
	}
}

// Rank returns the number of latent factors.
func (p *ParameterSample) Rank() int {
	if len(p.V) == 0 {
		return 0
	}
	return len(p.V[0])
}

// Clone returns a deep copy, used when moving a sample into the ensemble.
func (p *ParameterSample) Clone() *ParameterSample {
	clone := &ParameterSample{
		W0: p.W0,
		W:  make([]float64, len(p.W)),
		V:  make([][]float64, len(p.V)),
	}
	copy(clone.W, p.W)
	for i := range p.V {
		clone.V[i] = make([]float64, len(p.V[i]))
		copy(clone.V[i], p.V[i])
	}
	return clone
}

// HyperParameterSample is one draw (or estimate) of the hierarchical prior
// state: per-group precisions and means for the main weights and each factor
// dimension, the task noise precision, and the ordered probit cut-points.
type HyperParameterSample struct {
	Alpha   float64
	LambdaW []float64   // per group
	MuW     []float64   // per group
	LambdaV [][]float64 // group x factor
	MuV     [][]float64 // group x factor
	// Cutpoints is empty except for ordered probit, where it is strictly
	// increasing with one entry fewer than the number of categories.
	Cutpoints []float64
}

func newHyperParameterSample(numGroups, numFactors int) *HyperParameterSample {
	h := &HyperParameterSample{
		Alpha:   1,
		LambdaW: make([]float64, numGroups),
		MuW:     make([]float64, numGroups),
		LambdaV: make([][]float64, numGroups),
		MuV:     make([][]float64, numGroups),
	}
	for g := 0; g < numGroups; g++ {
		h.LambdaW[g] = 1
		h.LambdaV[g] = make([]float64, numFactors)
		h.MuV[g] = make([]float64, numFactors)
		for f := 0; f < numFactors; f++ {
			h.LambdaV[g][f] = 1
		}
	}
	return h
}

// Clone returns a deep copy.
func (h *HyperParameterSample) Clone() *HyperParameterSample {
	clone := &HyperParameterSample{
		Alpha:     h.Alpha,
		LambdaW:   append([]float64(nil), h.LambdaW...),
		MuW:       append([]float64(nil), h.MuW...),
		LambdaV:   make([][]float64, len(h.LambdaV)),
		MuV:       make([][]float64, len(h.MuV)),
		Cutpoints: append([]float64(nil), h.Cutpoints...),
	}
	for g := range h.LambdaV {
		clone.LambdaV[g] = append([]float64(nil), h.LambdaV[g]...)
		clone.MuV[g] = append([]float64(nil), h.MuV[g]...)
	}
	return clone
}

// EnsembleSample pairs one parameter draw with the hyperparameter state it
// was drawn under.
type EnsembleSample struct {
	Parameters *ParameterSample
	Hypers     *HyperParameterSample
}

// PosteriorEnsemble is the ordered sequence of kept posterior samples
// produced by one trainer run, in sampling order. It is immutable after
// training completes and is the unit of persistence. Variational training
// produces an ensemble of size one.
type PosteriorEnsemble struct {
	Task        TaskType
	NumFactors  int
	NumFeatures int
	// NumClasses is set for ordered probit only.
	NumClasses int
	Samples    []EnsembleSample
}

// Len returns the number of kept samples.
func (e *PosteriorEnsemble) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Samples)
}

// Marshal writes the ensemble: gob metadata, then every sample's weights as
// little-endian float64 blocks and its hyper state as gob.
func (e *PosteriorEnsemble) Marshal(w io.Writer) error {
	if err := encoding.WriteGob(w, int(e.Task)); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, e.NumFactors); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, e.NumFeatures); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, e.NumClasses); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, len(e.Samples)); err != nil {
		return errors.Trace(err)
	}
	for _, sample := range e.Samples {
		if err := encoding.WriteGob(w, sample.Parameters.W0); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.WriteMatrix(w, [][]float64{sample.Parameters.W}); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.WriteMatrix(w, sample.Parameters.V); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.WriteGob(w, sample.Hypers); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Unmarshal reads an ensemble written by Marshal.
func (e *PosteriorEnsemble) Unmarshal(r io.Reader) error {
	var task int
	if err := encoding.ReadGob(r, &task); err != nil {
		return errors.Trace(err)
	}
	e.Task = TaskType(task)
	if err := encoding.ReadGob(r, &e.NumFactors); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.ReadGob(r, &e.NumFeatures); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.ReadGob(r, &e.NumClasses); err != nil {
		return errors.Trace(err)
	}
	var count int
	if err := encoding.ReadGob(r, &count); err != nil {
		return errors.Trace(err)
	}
	if count > 0 {
		e.Samples = make([]EnsembleSample, count)
	}
	for i := range e.Samples {
		parameters := newParameterSample(e.NumFeatures, e.NumFactors)
		if err := encoding.ReadGob(r, &parameters.W0); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.ReadMatrix(r, [][]float64{parameters.W}); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.ReadMatrix(r, parameters.V); err != nil {
			return errors.Trace(err)
		}
		hypers := new(HyperParameterSample)
		if err := encoding.ReadGob(r, hypers); err != nil {
			return errors.Trace(err)
		}
		e.Samples[i] = EnsembleSample{Parameters: parameters, Hypers: hypers}
	}
	return nil
}
