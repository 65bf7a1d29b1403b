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

	"github.com/gorse-io/bayesfm/base/log"
	"github.com/gorse-io/bayesfm/base/progress"
	"github.com/gorse-io/bayesfm/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"
)

// convergenceThreshold stops variational training once the largest absolute
// change of any weight mean in a full round falls below it.
const convergenceThreshold = 1e-5

// VariationalFM trains a Bayesian factorization machine by mean-field
// variational inference: every weight keeps a Gaussian factor with mean and
// variance, updated by coordinate ascent with the same conditional structure
// the Gibbs trainer samples from. Training is deterministic given the seed
// (only the initialization draws randomness) and yields an ensemble of one.
type VariationalFM struct {
	BaseFM
}

// NewVariationalFM builds a variational trainer for the given task.
func NewVariationalFM(task TaskType, params model.Params) *VariationalFM {
	fm := new(VariationalFM)
	fm.task = task
	fm.SetParams(params)
	return fm
}

// Fit trains the model on trainSet. The run stops at NIter rounds or earlier
// once the weight means stop moving.
func (fm *VariationalFM) Fit(ctx context.Context, trainSet, testSet *Dataset, config *FitConfig) (*PosteriorEnsemble, error) {
	config = config.LoadDefaultIfNil()
	st, err := fm.prepareFit(trainSet, testSet, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("fit variational fm",
		zap.String("task", fm.task.String()),
		zap.Int("train_size", trainSet.Count()),
		zap.Int("test_size", st.testSet.Count()),
		zap.Any("params", fm.GetParams()))
	_, span := progress.Start(ctx, "VariationalFM.Fit", fm.nIter)
	defer span.End()

	s := newVariationalState(&fm.BaseFM, st, fm.ResetRandomGenerator())
	for iter := 1; iter <= fm.nIter; iter++ {
		maxDelta, err := s.round()
		if err != nil {
			span.Fail(err)
			return nil, errors.Trace(err)
		}
		span.Add(1)
		if config.Verbose > 0 && iter%config.Verbose == 0 {
			log.Logger().Debug("runtime statistics",
				zap.Int("iteration", iter),
				zap.Float64("max_delta", maxDelta),
				zap.Float64("alpha", s.hyper.Alpha))
		}
		if config.Callback != nil && config.Callback(iter, s.param, s.hyper) {
			log.Logger().Info("early stop requested", zap.Int("iteration", iter))
			break
		}
		if maxDelta < convergenceThreshold {
			log.Logger().Info("variational fit converged",
				zap.Int("iteration", iter),
				zap.Float64("max_delta", maxDelta))
			break
		}
	}
	fm.Ensemble = &PosteriorEnsemble{
		Task:        fm.task,
		NumFactors:  fm.nFactors,
		NumFeatures: st.ud.p,
		NumClasses:  st.numClasses,
		Samples: []EnsembleSample{{
			Parameters: s.param.Clone(),
			Hypers:     s.hyper.Clone(),
		}},
	}
	return fm.Ensemble, nil
}

// Predict computes the prediction of every row under the variational
// posterior means.
func (fm *VariationalFM) Predict(x *DesignMatrix, relations []*RelationBlock) ([]float64, error) {
	return ensemblePredict(fm.Ensemble, x, relations)
}

// PredictProba computes per-row probabilities; see ensemblePredictProba.
func (fm *VariationalFM) PredictProba(x *DesignMatrix, relations []*RelationBlock) ([][]float64, error) {
	return ensemblePredictProba(fm.Ensemble, x, relations)
}

// PredictLabels computes per-row hard labels for classification tasks.
func (fm *VariationalFM) PredictLabels(x *DesignMatrix, relations []*RelationBlock) ([]int, error) {
	return ensemblePredictLabels(fm.Ensemble, x, relations)
}

// variationalState is the coordinate-ascent state: weight means live in
// param, weight variances in the parallel var* fields, and the prediction
// mean of every train row is maintained incrementally like the Gibbs sweep.
type variationalState struct {
	fm *BaseFM
	st *fitState

	param *ParameterSample
	hyper *HyperParameterSample
	varW0 float64
	varW  []float64
	varV  [][]float64

	pred []float64 // prediction means
	z    []float64 // latent target expectations
	q    []float64 // factor-cache means during one dimension's sweep
	varQ []float64 // factor-cache variances during the same sweep

	numClasses int
	groupCount []int
	minZ, maxZ []float64
}

func newVariationalState(fm *BaseFM, st *fitState, rng randomSource) *variationalState {
	s := &variationalState{
		fm:         fm,
		st:         st,
		param:      newParameterSample(st.ud.p, fm.nFactors),
		hyper:      newHyperParameterSample(st.numGroups, fm.nFactors),
		varW0:      1,
		varW:       make([]float64, st.ud.p),
		varV:       make([][]float64, st.ud.p),
		pred:       make([]float64, st.ud.n),
		z:          make([]float64, st.ud.n),
		q:          make([]float64, st.ud.n),
		varQ:       make([]float64, st.ud.n),
		numClasses: st.numClasses,
		groupCount: make([]int, st.numGroups),
	}
	initVar := fm.initStdDev * fm.initStdDev
	for j := range s.param.V {
		s.varW[j] = 1
		s.varV[j] = make([]float64, fm.nFactors)
		for f := range s.param.V[j] {
			s.param.V[j][f] = rng.Normal(0, fm.initStdDev)
			s.varV[j][f] = initVar
		}
	}
	for _, g := range st.groups {
		s.groupCount[g]++
	}
	switch fm.task {
	case Regression:
		copy(s.z, st.y)
	case OrderedProbit:
		s.hyper.Cutpoints = initialCutpoints(st.labels, st.numClasses)
		s.minZ = make([]float64, st.numClasses)
		s.maxZ = make([]float64, st.numClasses)
	}
	return s
}

// round runs one full coordinate-ascent pass and returns the largest
// absolute change of any weight mean.
func (s *variationalState) round() (float64, error) {
	s.st.ud.score(s.param, s.pred)
	maxDelta := s.updateBias()
	maxDelta = math.Max(maxDelta, s.updateWeights())
	maxDelta = math.Max(maxDelta, s.updateFactors())
	s.updateLatent()
	s.updateHyperParameters()
	if err := s.checkFinite(); err != nil {
		return 0, errors.Trace(err)
	}
	return maxDelta, nil
}

// updateLatent replaces the probit latents with their truncated-normal
// expectations around the current prediction means, then moves the ordered
// probit cut-points to the midpoints of their conditional intervals.
func (s *variationalState) updateLatent() {
	switch s.fm.task {
	case Classification:
		for i, pred := range s.pred {
			if s.st.y[i] > 0 {
				s.z[i] = truncNormalMean(pred, 0, math.Inf(1))
			} else {
				s.z[i] = truncNormalMean(pred, math.Inf(-1), 0)
			}
		}
	case OrderedProbit:
		for k := 0; k < s.numClasses; k++ {
			s.minZ[k] = math.Inf(1)
			s.maxZ[k] = math.Inf(-1)
		}
		for i, pred := range s.pred {
			label := s.st.labels[i]
			lower, upper := cutpointBounds(label, s.hyper.Cutpoints)
			z := truncNormalMean(pred, lower, upper)
			s.z[i] = z
			s.minZ[label] = math.Min(s.minZ[label], z)
			s.maxZ[label] = math.Max(s.maxZ[label], z)
		}
		s.updateCutpoints()
	}
}

// updateCutpoints moves each cut-point to the midpoint of the interval its
// Gibbs conditional is uniform over. Degenerate intervals keep the old value.
func (s *variationalState) updateCutpoints() {
	cutpoints := s.hyper.Cutpoints
	for k := range cutpoints {
		lower := s.maxZ[k]
		if k > 0 {
			lower = math.Max(lower, cutpoints[k-1])
		}
		upper := s.minZ[k+1]
		if k+1 < len(cutpoints) {
			upper = math.Min(upper, cutpoints[k+1])
		}
		if math.IsInf(lower, -1) || math.IsInf(upper, 1) || lower >= upper {
			continue
		}
		cutpoints[k] = (lower + upper) / 2
	}
}

// updateCoordinate computes the Gaussian factor of one weight from the sums
// over its support: E[h^2], the mean coefficient times residual, the old
// mean, and the group prior. Returns the new mean and variance.
func (s *variationalState) updateCoordinate(old, sumH2, sumHE, lambda, mu float64) (float64, float64) {
	precision := s.hyper.Alpha*sumH2 + lambda
	mean := (s.hyper.Alpha*(old*sumH2-sumHE) + lambda*mu) / precision
	return mean, 1 / precision
}

func (s *variationalState) updateBias() float64 {
	n := float64(s.st.ud.n)
	sumHE := 0.0
	for i, pred := range s.pred {
		sumHE += pred - s.z[i]
	}
	w0, varW0 := s.updateCoordinate(s.param.W0, n, sumHE, s.fm.reg0, 0)
	delta := w0 - s.param.W0
	s.param.W0 = w0
	s.varW0 = varW0
	for i := range s.pred {
		s.pred[i] += delta
	}
	return math.Abs(delta)
}

// updateWeights mirrors the Gibbs main-weight sweep with deterministic
// Gaussian-factor updates. The linear coefficient is constant, so E[h^2] is
// the exact column squared sum.
func (s *variationalState) updateWeights() float64 {
	ud := s.st.ud
	csc := ud.main.csc()
	maxDelta := 0.0
	for j := 0; j < ud.main.cols; j++ {
		sumHE := 0.0
		for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
			i := csc.rowind[k]
			sumHE += csc.values[k] * (s.pred[i] - s.z[i])
		}
		g := s.st.groups[j]
		w, varW := s.updateCoordinate(s.param.W[j], ud.colSqSum[j], sumHE, s.hyper.LambdaW[g], s.hyper.MuW[g])
		delta := w - s.param.W[j]
		maxDelta = math.Max(maxDelta, math.Abs(delta))
		s.param.W[j] = w
		s.varW[j] = varW
		for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
			s.pred[csc.rowind[k]] += delta * csc.values[k]
		}
	}
	for r, rel := range ud.rels {
		blockCSC := rel.Block.csc()
		for c := 0; c < rel.Block.cols; c++ {
			j := ud.offsets[r] + c
			sumHE := 0.0
			for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
				bucketE := 0.0
				for _, i := range rel.buckets[blockCSC.rowind[k]] {
					bucketE += s.pred[i] - s.z[i]
				}
				sumHE += blockCSC.values[k] * bucketE
			}
			g := s.st.groups[j]
			w, varW := s.updateCoordinate(s.param.W[j], ud.colSqSum[j], sumHE, s.hyper.LambdaW[g], s.hyper.MuW[g])
			delta := w - s.param.W[j]
			maxDelta = math.Max(maxDelta, math.Abs(delta))
			s.param.W[j] = w
			s.varW[j] = varW
			for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
				step := delta * blockCSC.values[k]
				for _, i := range rel.buckets[blockCSC.rowind[k]] {
					s.pred[i] += step
				}
			}
		}
	}
	return maxDelta
}

// updateFactors sweeps every factor dimension, propagating both the mean and
// the variance of the factor cache: E[h^2] for v_jf is hbar^2 plus the
// variance contributed by the other columns through the squared design.
func (s *variationalState) updateFactors() float64 {
	ud := s.st.ud
	csc := ud.main.csc()
	maxDelta := 0.0
	for f := 0; f < s.fm.nFactors; f++ {
		ud.factorCache(f, s.param.V, s.q)
		ud.factorSquaredCache(f, s.varV, s.varQ)
		for j := 0; j < ud.main.cols; j++ {
			old := s.param.V[j][f]
			oldVar := s.varV[j][f]
			sumH2, sumHE := 0.0, 0.0
			for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
				i := csc.rowind[k]
				h := csc.values[k] * (s.q[i] - csc.values[k]*old)
				sumH2 += h*h + csc.squared[k]*(s.varQ[i]-csc.squared[k]*oldVar)
				sumHE += h * (s.pred[i] - s.z[i])
			}
			g := s.st.groups[j]
			v, varV := s.updateCoordinate(old, sumH2, sumHE, s.hyper.LambdaV[g][f], s.hyper.MuV[g][f])
			delta := v - old
			maxDelta = math.Max(maxDelta, math.Abs(delta))
			s.param.V[j][f] = v
			s.varV[j][f] = varV
			for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
				i := csc.rowind[k]
				h := csc.values[k] * (s.q[i] - csc.values[k]*old)
				s.pred[i] += delta * h
				s.q[i] += delta * csc.values[k]
				s.varQ[i] += (varV - oldVar) * csc.squared[k]
			}
		}
		for r, rel := range ud.rels {
			blockCSC := rel.Block.csc()
			for c := 0; c < rel.Block.cols; c++ {
				j := ud.offsets[r] + c
				old := s.param.V[j][f]
				oldVar := s.varV[j][f]
				sumH2, sumHE := 0.0, 0.0
				for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
					x := blockCSC.values[k]
					x2 := blockCSC.squared[k]
					for _, i := range rel.buckets[blockCSC.rowind[k]] {
						h := x * (s.q[i] - x*old)
						sumH2 += h*h + x2*(s.varQ[i]-x2*oldVar)
						sumHE += h * (s.pred[i] - s.z[i])
					}
				}
				g := s.st.groups[j]
				v, varV := s.updateCoordinate(old, sumH2, sumHE, s.hyper.LambdaV[g][f], s.hyper.MuV[g][f])
				delta := v - old
				maxDelta = math.Max(maxDelta, math.Abs(delta))
				s.param.V[j][f] = v
				s.varV[j][f] = varV
				for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
					x := blockCSC.values[k]
					for _, i := range rel.buckets[blockCSC.rowind[k]] {
						h := x * (s.q[i] - x*old)
						s.pred[i] += delta * h
						s.q[i] += delta * x
						s.varQ[i] += (varV - oldVar) * blockCSC.squared[k]
					}
				}
			}
		}
	}
	return maxDelta
}

// updateHyperParameters replaces every hyper-parameter with the mean of the
// conditional the Gibbs trainer samples from, with weight variances folded
// into the squared deviations.
func (s *variationalState) updateHyperParameters() {
	fm := s.fm
	if fm.task == Regression {
		sumE2 := 0.0
		for i, pred := range s.pred {
			e := pred - s.z[i]
			sumE2 += e * e
		}
		s.hyper.Alpha = (fm.alpha0 + float64(s.st.ud.n)/2) / (fm.beta0 + sumE2/2)
	} else {
		s.hyper.Alpha = 1
	}

	numGroups := s.st.numGroups
	sum := make([]float64, numGroups)
	sumSq := make([]float64, numGroups)
	for j, g := range s.st.groups {
		w := s.param.W[j]
		sum[g] += w
		d := w - s.hyper.MuW[g]
		sumSq[g] += d*d + s.varW[j]
	}
	for g := 0; g < numGroups; g++ {
		s.hyper.LambdaW[g], s.hyper.MuW[g] = s.estimateNormalGamma(s.groupCount[g], sum[g], sumSq[g], s.hyper.MuW[g])
	}
	for f := 0; f < fm.nFactors; f++ {
		for g := 0; g < numGroups; g++ {
			sum[g], sumSq[g] = 0, 0
		}
		for j, g := range s.st.groups {
			v := s.param.V[j][f]
			sum[g] += v
			d := v - s.hyper.MuV[g][f]
			sumSq[g] += d*d + s.varV[j][f]
		}
		for g := 0; g < numGroups; g++ {
			s.hyper.LambdaV[g][f], s.hyper.MuV[g][f] = s.estimateNormalGamma(s.groupCount[g], sum[g], sumSq[g], s.hyper.MuV[g][f])
		}
	}
}

// estimateNormalGamma returns the conditional means of one group's
// (lambda, mu) pair.
func (s *variationalState) estimateNormalGamma(count int, sum, sumSqDev, mu float64) (float64, float64) {
	fm := s.fm
	n := float64(count)
	d := mu - fm.mu0
	shape := fm.alpha0 + (n+1)/2
	rate := fm.beta0 + (sumSqDev+fm.gamma0*d*d)/2
	lambda := shape / rate
	mean := (sum + fm.gamma0*fm.mu0) / (n + fm.gamma0)
	return lambda, mean
}

func (s *variationalState) checkFinite() error {
	total := s.param.W0
	for _, pred := range s.pred {
		total += pred
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return errors.Trace(ErrNumericInstability)
	}
	return nil
}

// truncNormalMean is the mean of a unit-variance normal centered at mean and
// truncated to (lower, upper), through the usual Mills-ratio form. Vanishing
// truncation mass collapses to the nearest bound.
func truncNormalMean(mean, lower, upper float64) float64 {
	a, b := lower-mean, upper-mean
	pdfA, cdfA := 0.0, 0.0
	if !math.IsInf(a, -1) {
		pdfA = distuv.UnitNormal.Prob(a)
		cdfA = distuv.UnitNormal.CDF(a)
	}
	pdfB, cdfB := 0.0, 1.0
	if !math.IsInf(b, 1) {
		pdfB = distuv.UnitNormal.Prob(b)
		cdfB = distuv.UnitNormal.CDF(b)
	}
	mass := cdfB - cdfA
	if mass < 1e-15 {
		if !math.IsInf(a, -1) && (math.IsInf(b, 1) || math.Abs(a) < math.Abs(b)) {
			return lower
		}
		return upper
	}
	return mean + (pdfA-pdfB)/mass
}
