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
	"time"

	"github.com/gorse-io/bayesfm/base/log"
	"github.com/gorse-io/bayesfm/base/progress"
	"github.com/gorse-io/bayesfm/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// GibbsFM trains a Bayesian factorization machine by Gibbs sampling. Every
// weight and hyper-parameter is drawn from its exact conditional posterior,
// and the last NKeptSamples draws form the predictive ensemble.
type GibbsFM struct {
	BaseFM
}

// NewGibbsFM builds a Gibbs trainer for the given task.
func NewGibbsFM(task TaskType, params model.Params) *GibbsFM {
	fm := new(GibbsFM)
	fm.task = task
	fm.SetParams(params)
	return fm
}

// Fit trains the model on trainSet. If testSet provides both a design matrix
// and a target, held-out metrics are logged every config.Verbose iterations.
func (fm *GibbsFM) Fit(ctx context.Context, trainSet, testSet *Dataset, config *FitConfig) (*PosteriorEnsemble, error) {
	config = config.LoadDefaultIfNil()
	st, err := fm.prepareFit(trainSet, testSet, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("fit gibbs fm",
		zap.String("task", fm.task.String()),
		zap.Int("train_size", trainSet.Count()),
		zap.Int("test_size", st.testSet.Count()),
		zap.Any("params", fm.GetParams()))
	_, span := progress.Start(ctx, "GibbsFM.Fit", fm.nIter)
	defer span.End()

	s := newGibbsSampler(&fm.BaseFM, st, fm.ResetRandomGenerator())
	ensemble := &PosteriorEnsemble{
		Task:        fm.task,
		NumFactors:  fm.nFactors,
		NumFeatures: st.ud.p,
		NumClasses:  st.numClasses,
	}
	burnIn := fm.nIter - fm.nKeptSamples
	for iter := 1; iter <= fm.nIter; iter++ {
		start := time.Now()
		if err := s.step(); err != nil {
			span.Fail(err)
			return nil, errors.Trace(err)
		}
		if iter > burnIn {
			ensemble.Samples = append(ensemble.Samples, EnsembleSample{
				Parameters: s.param.Clone(),
				Hypers:     s.hyper.Clone(),
			})
		}
		span.Add(1)
		if config.Verbose > 0 && iter%config.Verbose == 0 {
			fields := []zap.Field{
				zap.String("fit_time", time.Since(start).String()),
				zap.Float64("alpha", s.hyper.Alpha),
			}
			if st.testUD != nil {
				fields = append(fields, s.evaluate(st)...)
			}
			log.Logger().Debug("runtime statistics", append([]zap.Field{
				zap.Int("iteration", iter)}, fields...)...)
		}
		if config.Callback != nil && config.Callback(iter, s.param, s.hyper) {
			log.Logger().Info("early stop requested", zap.Int("iteration", iter))
			break
		}
	}
	fm.Ensemble = ensemble
	return ensemble, nil
}

// Predict computes the ensemble prediction for every row: posterior mean
// scores for regression, averaged probit probabilities for classification and
// the most probable category for ordered probit.
func (fm *GibbsFM) Predict(x *DesignMatrix, relations []*RelationBlock) ([]float64, error) {
	return ensemblePredict(fm.Ensemble, x, relations)
}

// PredictProba computes per-row probabilities; see ensemblePredictProba.
func (fm *GibbsFM) PredictProba(x *DesignMatrix, relations []*RelationBlock) ([][]float64, error) {
	return ensemblePredictProba(fm.Ensemble, x, relations)
}

// PredictLabels computes per-row hard labels for classification tasks.
func (fm *GibbsFM) PredictLabels(x *DesignMatrix, relations []*RelationBlock) ([]int, error) {
	return ensemblePredictLabels(fm.Ensemble, x, relations)
}

// evaluate computes held-out metrics under the current single draw.
func (s *gibbsSampler) evaluate(st *fitState) []zap.Field {
	scores := make([]float64, st.testUD.n)
	st.testUD.score(s.param, scores)
	switch s.fm.task {
	case Regression:
		return []zap.Field{zap.Float64("test_rmse", RMSE(scores, st.testSet.Target))}
	case Classification:
		probabilities := make([]float64, len(scores))
		for i, score := range scores {
			probabilities[i] = probitProbability(score, s.hyper.Alpha)
		}
		return []zap.Field{
			zap.Float64("test_accuracy", BinaryAccuracy(probabilities, st.testSet.Target)),
			zap.Float64("test_log_loss", LogLoss(probabilities, st.testSet.Target)),
		}
	case OrderedProbit:
		labels := make([]int, len(scores))
		probabilities := make([]float64, s.numClasses)
		for i, score := range scores {
			classProbabilities(score, s.hyper.Alpha, s.hyper.Cutpoints, probabilities)
			labels[i] = argmax(probabilities)
		}
		return []zap.Field{zap.Float64("test_accuracy", OrdinalAccuracy(labels, st.testSet.Target))}
	}
	return nil
}

// gibbsSampler holds the mutable state of one Gibbs run. The prediction
// vector is maintained incrementally through every single-coordinate draw and
// recomputed from scratch at the start of each iteration to stop float drift.
type gibbsSampler struct {
	fm  *BaseFM
	st  *fitState
	rng randomSource

	param *ParameterSample
	hyper *HyperParameterSample

	pred []float64 // current score of every train row
	z    []float64 // working target: observed or latent per task
	q    []float64 // factor cache X*V_f during the factor sweep

	numClasses int
	groupCount []int // features per regularization group

	// per-category extremes of the latent draws, for the cut-point update
	minZ, maxZ []float64
}

// randomSource is the slice of the seeded generator the sampler draws from.
type randomSource interface {
	Float64() float64
	NormFloat64() float64
	Normal(mean, stdDev float64) float64
	Gamma(shape, rate float64) float64
	TruncNormal(mean, stdDev, lower, upper float64) float64
}

func newGibbsSampler(fm *BaseFM, st *fitState, rng randomSource) *gibbsSampler {
	s := &gibbsSampler{
		fm:         fm,
		st:         st,
		rng:        rng,
		param:      newParameterSample(st.ud.p, fm.nFactors),
		hyper:      newHyperParameterSample(st.numGroups, fm.nFactors),
		pred:       make([]float64, st.ud.n),
		z:          make([]float64, st.ud.n),
		q:          make([]float64, st.ud.n),
		numClasses: st.numClasses,
		groupCount: make([]int, st.numGroups),
	}
	for j := range s.param.V {
		for f := range s.param.V[j] {
			s.param.V[j][f] = rng.Normal(0, fm.initStdDev)
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

// step runs one full Gibbs sweep: bias, main weights, factor weights, latent
// targets and hyper-parameters. Every stage conditions on the freshly drawn
// values of the stages before it.
func (s *gibbsSampler) step() error {
	s.st.ud.score(s.param, s.pred)
	s.sampleBias()
	s.sampleWeights()
	s.sampleFactors()
	s.sampleLatent()
	s.sampleHyperParameters()
	return s.checkFinite()
}

// sampleLatent draws the per-row latent targets of the probit tasks from
// truncated normals around the current scores, then updates the ordered
// probit cut-points. Regression keeps z equal to the observed target.
func (s *gibbsSampler) sampleLatent() {
	switch s.fm.task {
	case Classification:
		for i, pred := range s.pred {
			if s.st.y[i] > 0 {
				s.z[i] = s.rng.TruncNormal(pred, 1, 0, math.Inf(1))
			} else {
				s.z[i] = s.rng.TruncNormal(pred, 1, math.Inf(-1), 0)
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
			z := s.rng.TruncNormal(pred, 1, lower, upper)
			s.z[i] = z
			s.minZ[label] = math.Min(s.minZ[label], z)
			s.maxZ[label] = math.Max(s.maxZ[label], z)
		}
		s.sampleCutpoints()
	}
}

// sampleCutpoints draws each cut-point uniformly from its conditional
// interval: above every latent of the category below and the previous
// cut-point, below every latent of the category above and the next cut-point.
// Degenerate intervals keep the old value.
func (s *gibbsSampler) sampleCutpoints() {
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
		cutpoints[k] = lower + s.rng.Float64()*(upper-lower)
	}
}

// drawCoordinate draws one weight from its Gaussian conditional. sumH2 and
// sumHE are the sums of h^2 and h*(pred-z) over the weight's support, where h
// is the coefficient of the weight in the score.
func (s *gibbsSampler) drawCoordinate(old, sumH2, sumHE, lambda, mu float64) float64 {
	precision := s.hyper.Alpha*sumH2 + lambda
	mean := (s.hyper.Alpha*(old*sumH2-sumHE) + lambda*mu) / precision
	return s.rng.Normal(mean, 1/math.Sqrt(precision))
}

func (s *gibbsSampler) sampleBias() {
	n := float64(s.st.ud.n)
	sumHE := 0.0
	for i, pred := range s.pred {
		sumHE += pred - s.z[i]
	}
	w0 := s.drawCoordinate(s.param.W0, n, sumHE, s.fm.reg0, 0)
	delta := w0 - s.param.W0
	s.param.W0 = w0
	for i := range s.pred {
		s.pred[i] += delta
	}
}

// sampleWeights sweeps the main-effect weights column by column: main matrix
// columns through the CSC view, relation columns through the compressed block
// rows and their row buckets.
func (s *gibbsSampler) sampleWeights() {
	ud := s.st.ud
	csc := ud.main.csc()
	for j := 0; j < ud.main.cols; j++ {
		sumHE := 0.0
		for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
			i := csc.rowind[k]
			sumHE += csc.values[k] * (s.pred[i] - s.z[i])
		}
		g := s.st.groups[j]
		w := s.drawCoordinate(s.param.W[j], ud.colSqSum[j], sumHE, s.hyper.LambdaW[g], s.hyper.MuW[g])
		delta := w - s.param.W[j]
		s.param.W[j] = w
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
			w := s.drawCoordinate(s.param.W[j], ud.colSqSum[j], sumHE, s.hyper.LambdaW[g], s.hyper.MuW[g])
			delta := w - s.param.W[j]
			s.param.W[j] = w
			for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
				step := delta * blockCSC.values[k]
				for _, i := range rel.buckets[blockCSC.rowind[k]] {
					s.pred[i] += step
				}
			}
		}
	}
}

// sampleFactors sweeps the factor matrix one dimension at a time, keeping the
// per-row cache q = X*V_f current through every draw. The coefficient of
// v_jf in the score is h_i = x_ij*(q_i - x_ij*v_jf).
func (s *gibbsSampler) sampleFactors() {
	ud := s.st.ud
	csc := ud.main.csc()
	for f := 0; f < s.fm.nFactors; f++ {
		ud.factorCache(f, s.param.V, s.q)
		for j := 0; j < ud.main.cols; j++ {
			old := s.param.V[j][f]
			sumH2, sumHE := 0.0, 0.0
			for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
				i := csc.rowind[k]
				h := csc.values[k] * (s.q[i] - csc.values[k]*old)
				sumH2 += h * h
				sumHE += h * (s.pred[i] - s.z[i])
			}
			g := s.st.groups[j]
			v := s.drawCoordinate(old, sumH2, sumHE, s.hyper.LambdaV[g][f], s.hyper.MuV[g][f])
			delta := v - old
			s.param.V[j][f] = v
			for k := csc.colptr[j]; k < csc.colptr[j+1]; k++ {
				i := csc.rowind[k]
				h := csc.values[k] * (s.q[i] - csc.values[k]*old)
				s.pred[i] += delta * h
				s.q[i] += delta * csc.values[k]
			}
		}
		for r, rel := range ud.rels {
			blockCSC := rel.Block.csc()
			for c := 0; c < rel.Block.cols; c++ {
				j := ud.offsets[r] + c
				old := s.param.V[j][f]
				sumH2, sumHE := 0.0, 0.0
				for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
					x := blockCSC.values[k]
					for _, i := range rel.buckets[blockCSC.rowind[k]] {
						h := x * (s.q[i] - x*old)
						sumH2 += h * h
						sumHE += h * (s.pred[i] - s.z[i])
					}
				}
				g := s.st.groups[j]
				v := s.drawCoordinate(old, sumH2, sumHE, s.hyper.LambdaV[g][f], s.hyper.MuV[g][f])
				delta := v - old
				s.param.V[j][f] = v
				for k := blockCSC.colptr[c]; k < blockCSC.colptr[c+1]; k++ {
					x := blockCSC.values[k]
					for _, i := range rel.buckets[blockCSC.rowind[k]] {
						h := x * (s.q[i] - x*old)
						s.pred[i] += delta * h
						s.q[i] += delta * x
					}
				}
			}
		}
	}
}

// sampleHyperParameters draws the noise precision (regression only; the
// probit tasks pin it to one) and, per regularization group, the Normal-Gamma
// state of the main weights and of each factor dimension.
func (s *gibbsSampler) sampleHyperParameters() {
	fm := s.fm
	if fm.task == Regression {
		sumE2 := 0.0
		for i, pred := range s.pred {
			e := pred - s.z[i]
			sumE2 += e * e
		}
		s.hyper.Alpha = s.rng.Gamma(fm.alpha0+float64(s.st.ud.n)/2, fm.beta0+sumE2/2)
	} else {
		s.hyper.Alpha = 1
	}

	numGroups := s.st.numGroups
	sum := make([]float64, numGroups)
	sumSq := make([]float64, numGroups)
	for g := 0; g < numGroups; g++ {
		sum[g], sumSq[g] = 0, 0
	}
	for j, g := range s.st.groups {
		w := s.param.W[j]
		sum[g] += w
		d := w - s.hyper.MuW[g]
		sumSq[g] += d * d
	}
	for g := 0; g < numGroups; g++ {
		s.hyper.LambdaW[g], s.hyper.MuW[g] = s.drawNormalGamma(s.groupCount[g], sum[g], sumSq[g], s.hyper.MuW[g])
	}
	for f := 0; f < fm.nFactors; f++ {
		for g := 0; g < numGroups; g++ {
			sum[g], sumSq[g] = 0, 0
		}
		for j, g := range s.st.groups {
			v := s.param.V[j][f]
			sum[g] += v
			d := v - s.hyper.MuV[g][f]
			sumSq[g] += d * d
		}
		for g := 0; g < numGroups; g++ {
			s.hyper.LambdaV[g][f], s.hyper.MuV[g][f] = s.drawNormalGamma(s.groupCount[g], sum[g], sumSq[g], s.hyper.MuV[g][f])
		}
	}
}

// drawNormalGamma draws one group's (lambda, mu) pair: the precision from its
// Gamma conditional around the current mean, then the mean from its Gaussian
// conditional under the fresh precision.
func (s *gibbsSampler) drawNormalGamma(count int, sum, sumSqDev, mu float64) (float64, float64) {
	fm := s.fm
	n := float64(count)
	d := mu - fm.mu0
	shape := fm.alpha0 + (n+1)/2
	rate := fm.beta0 + (sumSqDev+fm.gamma0*d*d)/2
	lambda := s.rng.Gamma(shape, rate)
	meanPrecision := (n + fm.gamma0) * lambda
	mean := (sum + fm.gamma0*fm.mu0) / (n + fm.gamma0)
	return lambda, s.rng.Normal(mean, 1/math.Sqrt(meanPrecision))
}

// checkFinite fails the run when any prediction or weight went non-finite.
func (s *gibbsSampler) checkFinite() error {
	total := s.param.W0
	for _, pred := range s.pred {
		total += pred
	}
	for _, w := range s.param.W {
		total += w
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return errors.Trace(ErrNumericInstability)
	}
	return nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
