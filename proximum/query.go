package proximum

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/replikativ/proximum/internal/metadata"
)

// Predicate helpers. Each returns a Predicate closure evaluated against a
// single node's metadata fields (spec §4.3's third filter-input shape);
// And/Or/Not compose them without any expression tree or parser, since a
// predicate here is already just a Go function.

func fieldValue(fields map[string]interface{}, field string) (interface{}, bool) {
	if fields == nil {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// Eq matches nodes whose field equals value.
func Eq(field string, value interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		return ok && valuesEqual(v, value)
	}
}

// NotEq matches nodes whose field is present and does not equal value.
func NotEq(field string, value interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		return ok && !valuesEqual(v, value)
	}
}

// Gt matches nodes whose field compares greater than value.
func Gt(field string, value interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		if !ok {
			return false
		}
		cmp, ok := compareValues(v, value)
		return ok && cmp > 0
	}
}

// Lt matches nodes whose field compares less than value.
func Lt(field string, value interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		if !ok {
			return false
		}
		cmp, ok := compareValues(v, value)
		return ok && cmp < 0
	}
}

// Between matches nodes whose field falls within [min, max] inclusive.
func Between(field string, min, max interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		if !ok {
			return false
		}
		lo, ok := compareValues(v, min)
		if !ok {
			return false
		}
		hi, ok := compareValues(v, max)
		if !ok {
			return false
		}
		return lo >= 0 && hi <= 0
	}
}

// ContainsAny matches nodes whose field (a slice) shares at least one
// element with values.
func ContainsAny(field string, values []interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		if !ok {
			return false
		}
		items, ok := toSlice(v)
		if !ok {
			return false
		}
		for _, want := range values {
			for _, have := range items {
				if valuesEqual(have, want) {
					return true
				}
			}
		}
		return false
	}
}

// ContainsAll matches nodes whose field (a slice) contains every element
// of values.
func ContainsAll(field string, values []interface{}) Predicate {
	return func(fields map[string]interface{}) bool {
		v, ok := fieldValue(fields, field)
		if !ok {
			return false
		}
		items, ok := toSlice(v)
		if !ok {
			return false
		}
		for _, want := range values {
			found := false
			for _, have := range items {
				if valuesEqual(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
}

// And matches nodes satisfying every predicate.
func And(preds ...Predicate) Predicate {
	return func(fields map[string]interface{}) bool {
		for _, p := range preds {
			if !p(fields) {
				return false
			}
		}
		return true
	}
}

// Or matches nodes satisfying at least one predicate.
func Or(preds ...Predicate) Predicate {
	return func(fields map[string]interface{}) bool {
		for _, p := range preds {
			if p(fields) {
				return true
			}
		}
		return false
	}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return func(fields map[string]interface{}) bool {
		return !p(fields)
	}
}

// QueryBuilder assembles search_filtered/nearest_filtered's three
// filter-input shapes into a single query: a direct bitset over node-ids,
// a set of external-ids (resolved through the index's external-id index
// into a bitset), and a metadata predicate. All three narrow the result
// together; none restrict the HNSW expansion frontier itself, only the
// output, per spec §4.3.
type QueryBuilder struct {
	ctx       context.Context
	index     *Index
	vector    []float32
	nodeSet   *roaring.Bitmap
	extIDs    []interface{}
	predicate Predicate
	limit     int
	threshold float32
	ef        int
}

// Query starts a QueryBuilder against idx. The vector must still be set
// via WithVector before Execute.
func (idx *Index) Query(ctx context.Context) *QueryBuilder {
	return &QueryBuilder{ctx: ctx, index: idx, limit: 10}
}

// WithVector sets the query vector.
func (qb *QueryBuilder) WithVector(vector []float32) *QueryBuilder {
	qb.vector = make([]float32, len(vector))
	copy(qb.vector, vector)
	return qb
}

// WithNodeBitset restricts candidates to the node-ids set in bm (spec
// §4.3's first filter-input shape). Intersected with WithExternalIDs and
// any predicate if both are also set.
func (qb *QueryBuilder) WithNodeBitset(bm *roaring.Bitmap) *QueryBuilder {
	qb.nodeSet = bm
	return qb
}

// WithExternalIDs restricts candidates to the nodes currently mapped from
// these external-ids (spec §4.3's second filter-input shape). Any id with
// no live mapping simply contributes nothing to the resulting set.
func (qb *QueryBuilder) WithExternalIDs(ids ...interface{}) *QueryBuilder {
	qb.extIDs = append(qb.extIDs, ids...)
	return qb
}

// Where ANDs a metadata predicate onto the query (spec §4.3's third
// filter-input shape).
func (qb *QueryBuilder) Where(p Predicate) *QueryBuilder {
	if qb.predicate == nil {
		qb.predicate = p
		return qb
	}
	qb.predicate = And(qb.predicate, p)
	return qb
}

func (qb *QueryBuilder) Eq(field string, value interface{}) *QueryBuilder {
	return qb.Where(Eq(field, value))
}

func (qb *QueryBuilder) NotEq(field string, value interface{}) *QueryBuilder {
	return qb.Where(NotEq(field, value))
}

func (qb *QueryBuilder) Gt(field string, value interface{}) *QueryBuilder {
	return qb.Where(Gt(field, value))
}

func (qb *QueryBuilder) Lt(field string, value interface{}) *QueryBuilder {
	return qb.Where(Lt(field, value))
}

func (qb *QueryBuilder) Between(field string, min, max interface{}) *QueryBuilder {
	return qb.Where(Between(field, min, max))
}

func (qb *QueryBuilder) ContainsAny(field string, values []interface{}) *QueryBuilder {
	return qb.Where(ContainsAny(field, values))
}

func (qb *QueryBuilder) ContainsAll(field string, values []interface{}) *QueryBuilder {
	return qb.Where(ContainsAll(field, values))
}

// Limit sets the maximum number of results to return.
func (qb *QueryBuilder) Limit(k int) *QueryBuilder {
	qb.limit = k
	return qb
}

// WithThreshold drops results whose distance exceeds threshold.
func (qb *QueryBuilder) WithThreshold(threshold float32) *QueryBuilder {
	qb.threshold = threshold
	return qb
}

// WithEf overrides the beam width for this query; zero keeps the default:
// the index's ef_search for an unrestricted query, 10*k for a filtered one.
func (qb *QueryBuilder) WithEf(ef int) *QueryBuilder {
	qb.ef = ef
	return qb
}

// Execute runs search_filtered (or plain search, if none of
// WithNodeBitset/WithExternalIDs/Where were called) and returns the
// matching results.
func (qb *QueryBuilder) Execute() ([]SearchResult, error) {
	if qb.vector == nil {
		return nil, fmt.Errorf("proximum: query vector is required")
	}
	if qb.limit <= 0 {
		return nil, fmt.Errorf("proximum: limit must be positive, got %d", qb.limit)
	}

	allowed, restricted, err := qb.resolve()
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	if !restricted {
		results, err = qb.index.Search(qb.ctx, qb.vector, qb.limit, qb.ef)
	} else {
		results, err = qb.index.searchFilteredNodes(qb.ctx, qb.vector, qb.limit, qb.ef, allowed)
	}
	if err != nil {
		return nil, err
	}

	if qb.threshold > 0 {
		results = applyThreshold(results, qb.threshold)
	}
	if len(results) > qb.limit {
		results = results[:qb.limit]
	}
	return results, nil
}

// resolve folds the bitset, external-id-set and predicate shapes into a
// single node-id-level allowed func, translating external-ids through the
// index's external-id index as it goes. restricted is false only when the
// query carries none of the three shapes, letting Execute fall back to a
// plain unfiltered search.
func (qb *QueryBuilder) resolve() (allowed func(nodeID uint32) bool, restricted bool, err error) {
	bm := qb.nodeSet

	if len(qb.extIDs) > 0 {
		restricted = true
		fromIDs := roaring.New()
		for _, raw := range qb.extIDs {
			extKey, convErr := metadata.NewExternalID(raw)
			if convErr != nil {
				return nil, false, fmt.Errorf("proximum: query external id %v: %w", raw, convErr)
			}
			if nodeID, ok := qb.index.session.ExternalIDs.Lookup(extKey); ok {
				fromIDs.Add(nodeID)
			}
		}
		if bm == nil {
			bm = fromIDs
		} else {
			bm = roaring.And(bm, fromIDs)
		}
	} else if bm != nil {
		restricted = true
	}

	predicate := qb.predicate
	if predicate != nil {
		restricted = true
	}

	if !restricted {
		return nil, false, nil
	}

	allowed = func(nodeID uint32) bool {
		if bm != nil && !bm.Contains(nodeID) {
			return false
		}
		if predicate == nil {
			return true
		}
		fields, _, fetchErr := qb.index.session.Metadata.Get(nodeID)
		if fetchErr != nil {
			return false
		}
		return predicate(fields)
	}
	return allowed, true, nil
}

func applyThreshold(results []SearchResult, threshold float32) []SearchResult {
	filtered := results[:0]
	for _, r := range results {
		if r.Distance <= threshold {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
