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

// Package dataset loads libFM format files into design matrices.
package dataset

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/gorse-io/bayesfm/base"
	"github.com/gorse-io/bayesfm/model/bfm"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"modernc.org/mathutil"
)

// LoadLibFMFile loads a libFM format file: one row per line, the target
// first, then index:value pairs.
func LoadLibFMFile(path string) (features [][]lo.Tuple2[int32, float64], targets []float64, maxLabel int32, err error) {
	// open file
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, errors.Trace(err)
	}
	defer file.Close()
	// read lines
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, " ")
		// fetch target
		target, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, nil, 0, errors.Trace(err)
		}
		targets = append(targets, target)
		// fetch features
		lineFeatures := make([]lo.Tuple2[int32, float64], 0, len(fields[1:]))
		for _, field := range fields[1:] {
			if len(strings.TrimSpace(field)) > 0 {
				kv := strings.Split(field, ":")
				k, v := kv[0], kv[1]
				feature, err := strconv.Atoi(k)
				if err != nil {
					return nil, nil, 0, errors.Trace(err)
				}
				value, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, nil, 0, errors.Trace(err)
				}
				lineFeatures = append(lineFeatures, lo.Tuple2[int32, float64]{
					A: int32(feature),
					B: value,
				})
				maxLabel = mathutil.MaxInt32Val(maxLabel, int32(feature))
			}
		}
		features = append(features, lineFeatures)
	}
	// check error
	if err = scanner.Err(); err != nil {
		return nil, nil, 0, errors.Trace(err)
	}
	return
}

// LoadDataset loads one libFM file into a Dataset with the given column
// count. If cols is non-positive the column count is derived from the file.
func LoadDataset(path string, cols int) (*bfm.Dataset, error) {
	features, targets, _, err := LoadLibFMFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	x, err := bfm.NewDesignMatrixFromRows(features, cols)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bfm.NewDataset(x, nil, targets)
}

// LoadSplit loads a train and a test libFM file into datasets sharing one
// column space.
func LoadSplit(trainPath, testPath string) (trainSet, testSet *bfm.Dataset, err error) {
	trainFeatures, trainTargets, trainMaxLabel, err := LoadLibFMFile(trainPath)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	testFeatures, testTargets, testMaxLabel, err := LoadLibFMFile(testPath)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	cols := int(mathutil.MaxInt32(trainMaxLabel, testMaxLabel)) + 1
	trainX, err := bfm.NewDesignMatrixFromRows(trainFeatures, cols)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	testX, err := bfm.NewDesignMatrixFromRows(testFeatures, cols)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if trainSet, err = bfm.NewDataset(trainX, nil, trainTargets); err != nil {
		return nil, nil, errors.Trace(err)
	}
	if testSet, err = bfm.NewDataset(testX, nil, testTargets); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return
}

// Split shuffles the rows of one file's features and targets into a train
// and a test part.
func Split(features [][]lo.Tuple2[int32, float64], targets []float64, testRatio float64, seed int64) (
	trainFeatures [][]lo.Tuple2[int32, float64], trainTargets []float64,
	testFeatures [][]lo.Tuple2[int32, float64], testTargets []float64) {
	rng := base.NewRandomGenerator(seed)
	perm := rng.Perm(len(features))
	testSize := int(float64(len(features)) * testRatio)
	for i, p := range perm {
		if i < testSize {
			testFeatures = append(testFeatures, features[p])
			testTargets = append(testTargets, targets[p])
		} else {
			trainFeatures = append(trainFeatures, features[p])
			trainTargets = append(trainTargets, targets[p])
		}
	}
	return
}
