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
	"testing"

	"github.com/gorse-io/bayesfm/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDesignMatrix(t *testing.T) {
	m, err := NewDesignMatrix(2, 3,
		[]int{0, 2, 3},
		[]int32{0, 2, 1},
		[]float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, 3, m.Cols())
	assert.Equal(t, 3, m.NNZ())
	indices, values := m.Row(0)
	assert.Equal(t, []int32{0, 2}, indices)
	assert.Equal(t, []float64{1, 2}, values)

	// inconsistent indptr
	_, err = NewDesignMatrix(2, 3, []int{0, 2}, []int32{0, 2, 1}, []float64{1, 2, 3})
	assert.Error(t, err)
	// column out of range
	_, err = NewDesignMatrix(2, 3, []int{0, 2, 3}, []int32{0, 3, 1}, []float64{1, 2, 3})
	assert.Error(t, err)
	// non-finite value
	_, err = NewDesignMatrix(2, 3, []int{0, 2, 3}, []int32{0, 2, 1}, []float64{1, math.NaN(), 3})
	assert.Error(t, err)
}

func TestNewDesignMatrixFromDense(t *testing.T) {
	m, err := NewDesignMatrixFromDense([][]float64{
		{1, 0, 2},
		{0, 3, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, 3, m.Cols())
	assert.Equal(t, 3, m.NNZ())
}

func TestDesignMatrix_CSC(t *testing.T) {
	m, err := NewDesignMatrixFromDense([][]float64{
		{1, 0, 2},
		{3, 4, 0},
		{0, 5, 6},
	})
	require.NoError(t, err)
	csc := m.csc()
	assert.Equal(t, []int{0, 2, 4, 6}, csc.colptr)
	assert.Equal(t, []int32{0, 1, 1, 2, 0, 2}, csc.rowind)
	assert.Equal(t, []float64{1, 3, 4, 5, 2, 6}, csc.values)
}

func TestNewRelationBlock(t *testing.T) {
	block, err := NewDesignMatrixFromDense([][]float64{{1, 0}, {0, 2}})
	require.NoError(t, err)
	rel, err := NewRelationBlock([]int32{0, 1, 0}, block)
	require.NoError(t, err)
	assert.Equal(t, 3, rel.NumRows())

	// index out of range
	_, err = NewRelationBlock([]int32{0, 2}, block)
	assert.Error(t, err)
}

func TestRelationBlock_ToDense(t *testing.T) {
	block, err := NewDesignMatrixFromDense([][]float64{{1, 0}, {0, 2}})
	require.NoError(t, err)
	rel, err := NewRelationBlock([]int32{1, 0, 1}, block)
	require.NoError(t, err)
	dense, err := rel.ToDense()
	require.NoError(t, err)
	assert.Equal(t, 3, dense.Rows())
	indices, values := dense.Row(0)
	assert.Equal(t, []int32{1}, indices)
	assert.Equal(t, []float64{2}, values)
}

func TestDataset_Validate(t *testing.T) {
	x, err := NewDesignMatrixFromDense([][]float64{{1}, {2}})
	require.NoError(t, err)
	// target length mismatch
	_, err = NewDataset(x, nil, []float64{1})
	assert.Error(t, err)
	// relation row count mismatch
	block, err := NewDesignMatrixFromDense([][]float64{{1}})
	require.NoError(t, err)
	rel, err := NewRelationBlock([]int32{0}, block)
	require.NoError(t, err)
	_, err = NewDataset(x, []*RelationBlock{rel}, []float64{1, 2})
	assert.Error(t, err)
}

func TestDataset_TotalFeatures(t *testing.T) {
	x, err := NewDesignMatrixFromDense([][]float64{{1, 0}, {0, 1}})
	require.NoError(t, err)
	block, err := NewDesignMatrixFromDense([][]float64{{1, 0, 1}})
	require.NoError(t, err)
	rel, err := NewRelationBlock([]int32{0, 0}, block)
	require.NoError(t, err)
	d, err := NewDataset(x, []*RelationBlock{rel}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, d.TotalFeatures())
}

// relationTestCase builds the same rows twice: once through a relation block
// and once fully expanded into the main matrix.
func relationTestCase(t *testing.T) (compressed, expanded *unifiedDesign) {
	x, err := NewDesignMatrixFromDense([][]float64{
		{1, 0},
		{0, 1},
		{0.5, 0.5},
		{1, 1},
	})
	require.NoError(t, err)
	block, err := NewDesignMatrixFromDense([][]float64{
		{2, 0, 1},
		{0, 3, 0},
	})
	require.NoError(t, err)
	rel, err := NewRelationBlock([]int32{0, 1, 1, 0}, block)
	require.NoError(t, err)
	compressed, err = newUnifiedDesign(x, []*RelationBlock{rel})
	require.NoError(t, err)

	dense, err := rel.ToDense()
	require.NoError(t, err)
	merged := make([][]float64, x.Rows())
	for i := range merged {
		merged[i] = make([]float64, x.Cols()+dense.Cols())
		indices, values := x.Row(i)
		for k, j := range indices {
			merged[i][j] = values[k]
		}
		indices, values = dense.Row(i)
		for k, j := range indices {
			merged[i][x.Cols()+int(j)] = values[k]
		}
	}
	mergedMatrix, err := NewDesignMatrixFromDense(merged)
	require.NoError(t, err)
	expanded, err = newUnifiedDesign(mergedMatrix, nil)
	require.NoError(t, err)
	return
}

func TestUnifiedDesign_ColSqSum(t *testing.T) {
	compressed, expanded := relationTestCase(t)
	require.Equal(t, expanded.p, compressed.p)
	for j := 0; j < compressed.p; j++ {
		assert.InDelta(t, expanded.colSqSum[j], compressed.colSqSum[j], 1e-12)
	}
}

func TestUnifiedDesign_Score(t *testing.T) {
	compressed, expanded := relationTestCase(t)
	rng := base.NewRandomGenerator(42)
	param := newParameterSample(compressed.p, 3)
	param.W0 = rng.NormFloat64()
	for j := 0; j < compressed.p; j++ {
		param.W[j] = rng.NormFloat64()
		for f := 0; f < 3; f++ {
			param.V[j][f] = rng.NormFloat64()
		}
	}
	a := make([]float64, compressed.n)
	b := make([]float64, expanded.n)
	compressed.score(param, a)
	expanded.score(param, b)
	for i := range a {
		assert.InDelta(t, b[i], a[i], 1e-9)
	}
}

func TestUnifiedDesign_FactorCache(t *testing.T) {
	compressed, expanded := relationTestCase(t)
	rng := base.NewRandomGenerator(7)
	v := rng.NormalMatrix(compressed.p, 2, 0, 1)
	a := make([]float64, compressed.n)
	b := make([]float64, expanded.n)
	for f := 0; f < 2; f++ {
		compressed.factorCache(f, v, a)
		expanded.factorCache(f, v, b)
		for i := range a {
			assert.InDelta(t, b[i], a[i], 1e-12)
		}
		compressed.factorSquaredCache(f, v, a)
		expanded.factorSquaredCache(f, v, b)
		for i := range a {
			assert.InDelta(t, b[i], a[i], 1e-12)
		}
	}
}

func TestValidateGroupIndex(t *testing.T) {
	n, err := validateGroupIndex([]int{0, 1, 0, 2}, 4)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	// length mismatch
	_, err = validateGroupIndex([]int{0, 1}, 4)
	assert.Error(t, err)
	// negative group
	_, err = validateGroupIndex([]int{0, -1, 0, 1}, 4)
	assert.Error(t, err)
	// gap in group ids
	_, err = validateGroupIndex([]int{0, 2, 0, 2}, 4)
	assert.Error(t, err)
}
