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

import "github.com/juju/errors"

var (
	// ErrNoTrainedSamples is returned when prediction is attempted before
	// any fit, or after an early stop emptied the ensemble.
	ErrNoTrainedSamples = errors.New("no trained samples")

	// ErrNumericInstability is returned when sampling produced a non-finite
	// value. Mid-training numeric failures are fatal; retry with another
	// seed.
	ErrNumericInstability = errors.New("numeric instability detected")

	// ErrIncompleteTestSet is returned when only one of the held-out design
	// matrix and target vector is given.
	ErrIncompleteTestSet = errors.New("held-out set must specify both X and target")
)
