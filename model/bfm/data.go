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
	"sync"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"modernc.org/mathutil"
)

// DesignMatrix is a row-compressed sparse matrix of feature activations.
// It is immutable once built and owns a cache of element-wise squared values
// with the identical sparsity pattern, required by the pairwise interaction
// identity. All values are double precision.
type DesignMatrix struct {
	rows, cols int
	indptr     []int
	indices    []int32
	values     []float64
	squared    []float64

	cscOnce sync.Once
	cscView *cscMatrix
}

// NewDesignMatrix creates a DesignMatrix from raw CSR arrays. Non-finite
// values are rejected.
func NewDesignMatrix(rows, cols int, indptr []int, indices []int32, values []float64) (*DesignMatrix, error) {
	if rows < 0 || cols < 0 {
		return nil, errors.NotValidf("matrix shape (%v, %v)", rows, cols)
	}
	if len(indptr) != rows+1 {
		return nil, errors.NotValidf("indptr length %v for %v rows", len(indptr), rows)
	}
	if indptr[0] != 0 || indptr[rows] != len(indices) || len(indices) != len(values) {
		return nil, errors.NotValidf("inconsistent CSR arrays")
	}
	for i := 0; i < rows; i++ {
		if indptr[i] > indptr[i+1] {
			return nil, errors.NotValidf("decreasing indptr at row %v", i)
		}
	}
	for _, j := range indices {
		if j < 0 || int(j) >= cols {
			return nil, errors.NotValidf("column index %v out of [0, %v)", j, cols)
		}
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NotValidf("non-finite value %v in design matrix", v)
		}
	}
	m := &DesignMatrix{
		rows:    rows,
		cols:    cols,
		indptr:  indptr,
		indices: indices,
		values:  values,
	}
	m.rebuildSquared()
	return m, nil
}

// NewDesignMatrixFromRows creates a DesignMatrix from row-wise sparse
// features. If cols is non-positive, the column count is derived from the
// largest index.
func NewDesignMatrixFromRows(rows [][]lo.Tuple2[int32, float64], cols int) (*DesignMatrix, error) {
	if cols <= 0 {
		for _, row := range rows {
			for _, feature := range row {
				cols = mathutil.Max(cols, int(feature.A)+1)
			}
		}
	}
	indptr := make([]int, 1, len(rows)+1)
	var indices []int32
	var values []float64
	for _, row := range rows {
		for _, feature := range row {
			indices = append(indices, feature.A)
			values = append(values, feature.B)
		}
		indptr = append(indptr, len(indices))
	}
	return NewDesignMatrix(len(rows), cols, indptr, indices, values)
}

// NewDesignMatrixFromDense creates a DesignMatrix from a dense matrix,
// dropping zeros.
func NewDesignMatrixFromDense(dense [][]float64) (*DesignMatrix, error) {
	cols := 0
	for _, row := range dense {
		cols = mathutil.Max(cols, len(row))
	}
	indptr := make([]int, 1, len(dense)+1)
	var indices []int32
	var values []float64
	for _, row := range dense {
		for j, v := range row {
			if v != 0 {
				indices = append(indices, int32(j))
				values = append(values, v)
			}
		}
		indptr = append(indptr, len(indices))
	}
	return NewDesignMatrix(len(dense), cols, indptr, indices, values)
}

// rebuildSquared recomputes the squared cache. It is the only mutation path
// and only runs at construction time.
func (m *DesignMatrix) rebuildSquared() {
	m.squared = make([]float64, len(m.values))
	for i, v := range m.values {
		m.squared[i] = v * v
	}
}

// Rows returns the number of rows.
func (m *DesignMatrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *DesignMatrix) Cols() int { return m.cols }

// NNZ returns the number of stored values.
func (m *DesignMatrix) NNZ() int { return len(m.values) }

// Row returns the sparse representation of one row.
func (m *DesignMatrix) Row(i int) (indices []int32, values []float64) {
	return m.indices[m.indptr[i]:m.indptr[i+1]], m.values[m.indptr[i]:m.indptr[i+1]]
}

// mulVecAdd adds X*v to out, using the value column slice v of length cols.
func (m *DesignMatrix) mulVecAdd(v []float64, out []float64) {
	for i := 0; i < m.rows; i++ {
		sum := 0.0
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			sum += m.values[k] * v[m.indices[k]]
		}
		out[i] += sum
	}
}

// mulVecSquaredAdd adds X^2*v to out where X^2 is the squared cache.
func (m *DesignMatrix) mulVecSquaredAdd(v []float64, out []float64) {
	for i := 0; i < m.rows; i++ {
		sum := 0.0
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			sum += m.squared[k] * v[m.indices[k]]
		}
		out[i] += sum
	}
}

// cscMatrix is the column-compressed view of a DesignMatrix used by the
// per-column sweeps of the samplers.
type cscMatrix struct {
	colptr  []int
	rowind  []int32
	values  []float64
	squared []float64
}

// csc returns the column-compressed view, building it on first use.
func (m *DesignMatrix) csc() *cscMatrix {
	m.cscOnce.Do(func() {
		counts := make([]int, m.cols+1)
		for _, j := range m.indices {
			counts[j+1]++
		}
		colptr := make([]int, m.cols+1)
		for j := 0; j < m.cols; j++ {
			colptr[j+1] = colptr[j] + counts[j+1]
		}
		rowind := make([]int32, len(m.values))
		values := make([]float64, len(m.values))
		squared := make([]float64, len(m.values))
		next := make([]int, m.cols)
		copy(next, colptr[:m.cols])
		for i := 0; i < m.rows; i++ {
			for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
				j := m.indices[k]
				pos := next[j]
				rowind[pos] = int32(i)
				values[pos] = m.values[k]
				squared[pos] = m.squared[k]
				next[j]++
			}
		}
		m.cscView = &cscMatrix{colptr: colptr, rowind: rowind, values: values, squared: squared}
	})
	return m.cscView
}

// RelationBlock is a compressed per-entity feature block plus an index
// mapping each training row to one block row. It represents a foreign-key
// relationship: many training rows reference few distinct entities, and the
// block row is never duplicated into per-row storage.
type RelationBlock struct {
	Index []int32
	Block *DesignMatrix

	// buckets[b] lists the training rows mapped to block row b.
	buckets [][]int32
}

// NewRelationBlock creates a RelationBlock and validates that every index
// refers to a valid block row.
func NewRelationBlock(index []int32, block *DesignMatrix) (*RelationBlock, error) {
	if block == nil {
		return nil, errors.NotValidf("nil block")
	}
	buckets := make([][]int32, block.Rows())
	for i, b := range index {
		if b < 0 || int(b) >= block.Rows() {
			return nil, errors.NotValidf("block row %v out of [0, %v)", b, block.Rows())
		}
		buckets[b] = append(buckets[b], int32(i))
	}
	return &RelationBlock{Index: index, Block: block, buckets: buckets}, nil
}

// NumRows returns the number of training rows covered by the block.
func (rel *RelationBlock) NumRows() int { return len(rel.Index) }

// ToDense expands the relation block into the equivalent dense-per-row
// design matrix. Only used by tests and diagnostics; training never
// materializes this expansion.
func (rel *RelationBlock) ToDense() (*DesignMatrix, error) {
	indptr := make([]int, 1, len(rel.Index)+1)
	var indices []int32
	var values []float64
	for _, b := range rel.Index {
		rowIndices, rowValues := rel.Block.Row(int(b))
		indices = append(indices, rowIndices...)
		values = append(values, rowValues...)
		indptr = append(indptr, len(indices))
	}
	return NewDesignMatrix(len(rel.Index), rel.Block.Cols(), indptr, indices, values)
}

// Dataset bundles a main design matrix, optional relation blocks and the
// target vector for one training or evaluation split.
type Dataset struct {
	X         *DesignMatrix
	Relations []*RelationBlock
	Target    []float64
}

// NewDataset creates a Dataset and validates its shape invariants.
func NewDataset(x *DesignMatrix, relations []*RelationBlock, target []float64) (*Dataset, error) {
	d := &Dataset{X: x, Relations: relations, Target: target}
	if err := d.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Validate checks that relation mappers and the target cover every row.
func (d *Dataset) Validate() error {
	if d.X == nil {
		return errors.NotValidf("dataset without design matrix")
	}
	if d.Target != nil && len(d.Target) != d.X.Rows() {
		return errors.NotValidf("target length %v for %v rows", len(d.Target), d.X.Rows())
	}
	for i, rel := range d.Relations {
		if rel.NumRows() != d.X.Rows() {
			return errors.NotValidf("relation block %v maps %v rows, design matrix has %v",
				i, rel.NumRows(), d.X.Rows())
		}
	}
	return nil
}

// Count returns the number of training rows.
func (d *Dataset) Count() int {
	if d == nil || d.X == nil {
		return 0
	}
	return d.X.Rows()
}

// TotalFeatures returns the feature count of the main matrix plus all
// relation blocks.
func (d *Dataset) TotalFeatures() int {
	total := d.X.Cols()
	for _, rel := range d.Relations {
		total += rel.Block.Cols()
	}
	return total
}

// unifiedDesign is the trainer's view over the main matrix and the relation
// blocks: one global column space, with per-column algebra that goes through
// the compressed block rows instead of replicated training rows.
type unifiedDesign struct {
	n, p    int
	main    *DesignMatrix
	rels    []*RelationBlock
	offsets []int // offsets[r] is the first global column of relation r

	// colSqSum[j] is the sum of squared activations of global column j over
	// all training rows. For relation columns it is priced per block row
	// using reference counts, never per training row.
	colSqSum []float64
}

func newUnifiedDesign(x *DesignMatrix, rels []*RelationBlock) (*unifiedDesign, error) {
	ud := &unifiedDesign{
		n:    x.Rows(),
		main: x,
		rels: rels,
	}
	ud.offsets = make([]int, len(rels))
	offset := x.Cols()
	for r, rel := range rels {
		if rel.NumRows() != x.Rows() {
			return nil, errors.NotValidf("relation block %v maps %v rows, design matrix has %v",
				r, rel.NumRows(), x.Rows())
		}
		ud.offsets[r] = offset
		offset += rel.Block.Cols()
	}
	ud.p = offset
	ud.colSqSum = make([]float64, ud.p)
	for i := 0; i < x.rows; i++ {
		for k := x.indptr[i]; k < x.indptr[i+1]; k++ {
			ud.colSqSum[x.indices[k]] += x.squared[k]
		}
	}
	for r, rel := range rels {
		block := rel.Block
		for b := 0; b < block.rows; b++ {
			weight := float64(len(rel.buckets[b]))
			for k := block.indptr[b]; k < block.indptr[b+1]; k++ {
				ud.colSqSum[ud.offsets[r]+int(block.indices[k])] += block.squared[k] * weight
			}
		}
	}
	return ud, nil
}

// factorColumn gathers column f of the global factor matrix restricted to
// relation r into buf.
func (ud *unifiedDesign) factorColumn(r, f int, v [][]float64, buf []float64) []float64 {
	cols := ud.rels[r].Block.Cols()
	if cap(buf) < cols {
		buf = make([]float64, cols)
	}
	buf = buf[:cols]
	for j := 0; j < cols; j++ {
		buf[j] = v[ud.offsets[r]+j][f]
	}
	return buf
}

// factorCache fills q with X*V_f over the unified column space, combining
// the main matrix with per-block-row caches scattered through the index.
func (ud *unifiedDesign) factorCache(f int, v [][]float64, q []float64) {
	for i := range q {
		q[i] = 0
	}
	x := ud.main
	for i := 0; i < x.rows; i++ {
		sum := 0.0
		for k := x.indptr[i]; k < x.indptr[i+1]; k++ {
			sum += x.values[k] * v[x.indices[k]][f]
		}
		q[i] = sum
	}
	var colBuf []float64
	for r, rel := range ud.rels {
		colBuf = ud.factorColumn(r, f, v, colBuf)
		block := rel.Block
		for b := 0; b < block.rows; b++ {
			sum := 0.0
			for k := block.indptr[b]; k < block.indptr[b+1]; k++ {
				sum += block.values[k] * colBuf[block.indices[k]]
			}
			if sum != 0 {
				for _, i := range rel.buckets[b] {
					q[i] += sum
				}
			}
		}
	}
}

// factorSquaredCache fills out with X^2*c over the unified column space for
// column f of the per-feature matrix c, where X^2 is the squared design. Used
// for variance propagation through the factor cache.
func (ud *unifiedDesign) factorSquaredCache(f int, c [][]float64, out []float64) {
	x := ud.main
	for i := 0; i < x.rows; i++ {
		sum := 0.0
		for k := x.indptr[i]; k < x.indptr[i+1]; k++ {
			sum += x.squared[k] * c[x.indices[k]][f]
		}
		out[i] = sum
	}
	var colBuf []float64
	for r, rel := range ud.rels {
		colBuf = ud.factorColumn(r, f, c, colBuf)
		block := rel.Block
		for b := 0; b < block.rows; b++ {
			sum := 0.0
			for k := block.indptr[b]; k < block.indptr[b+1]; k++ {
				sum += block.squared[k] * colBuf[block.indices[k]]
			}
			if sum != 0 {
				for _, i := range rel.buckets[b] {
					out[i] += sum
				}
			}
		}
	}
}

// score writes the raw interaction score of every row into out, using the
// order-2 identity: w0 + x.w + 1/2 sum_f ((x.V_f)^2 - (x^2).(V_f^2)). All
// relation contributions are computed once per block row and scattered.
func (ud *unifiedDesign) score(param *ParameterSample, out []float64) {
	for i := range out {
		out[i] = param.W0
	}
	// linear term
	ud.main.mulVecAdd(param.W[:ud.main.cols], out)
	for r, rel := range ud.rels {
		segment := param.W[ud.offsets[r] : ud.offsets[r]+rel.Block.Cols()]
		block := rel.Block
		for b := 0; b < block.rows; b++ {
			sum := 0.0
			for k := block.indptr[b]; k < block.indptr[b+1]; k++ {
				sum += block.values[k] * segment[block.indices[k]]
			}
			if sum != 0 {
				for _, i := range rel.buckets[b] {
					out[i] += sum
				}
			}
		}
	}
	// pairwise term
	q := make([]float64, ud.n)
	var colBuf, sqBuf []float64
	for f := 0; f < param.Rank(); f++ {
		ud.factorCache(f, param.V, q)
		for i := range out {
			out[i] += 0.5 * q[i] * q[i]
		}
		// subtract the self-interaction: (x^2).(V_f^2)
		x := ud.main
		for i := 0; i < x.rows; i++ {
			sum := 0.0
			for k := x.indptr[i]; k < x.indptr[i+1]; k++ {
				vjf := param.V[x.indices[k]][f]
				sum += x.squared[k] * vjf * vjf
			}
			out[i] -= 0.5 * sum
		}
		for r, rel := range ud.rels {
			colBuf = ud.factorColumn(r, f, param.V, colBuf)
			if cap(sqBuf) < len(colBuf) {
				sqBuf = make([]float64, len(colBuf))
			}
			sqBuf = sqBuf[:len(colBuf)]
			for j, vjf := range colBuf {
				sqBuf[j] = vjf * vjf
			}
			block := rel.Block
			for b := 0; b < block.rows; b++ {
				sum := 0.0
				for k := block.indptr[b]; k < block.indptr[b+1]; k++ {
					sum += block.squared[k] * sqBuf[block.indices[k]]
				}
				if sum != 0 {
					for _, i := range rel.buckets[b] {
						out[i] -= 0.5 * sum
					}
				}
			}
		}
	}
}

// validateGroupIndex checks that every feature belongs to exactly one group
// and group ids are dense, returning the group count.
func validateGroupIndex(groups []int, numFeatures int) (int, error) {
	if len(groups) != numFeatures {
		return 0, errors.NotValidf("group index length %v for %v features", len(groups), numFeatures)
	}
	numGroups := 0
	for _, g := range groups {
		if g < 0 {
			return 0, errors.NotValidf("negative group id %v", g)
		}
		numGroups = mathutil.Max(numGroups, g+1)
	}
	seen := make([]bool, numGroups)
	for _, g := range groups {
		seen[g] = true
	}
	for g, ok := range seen {
		if !ok {
			return 0, errors.NotValidf("group ids with gap at %v", g)
		}
	}
	return numGroups, nil
}
