package pickle
// Utilities that complement the std reflect and math/big packages.

import (
	"math/big"
	"reflect"
)

// bigInt_Float64 converts b to float64, reporting whether the conversion was
// exact (no value is lost to float64's limited precision).
func bigInt_Float64(b *big.Int) (float64, big.Accuracy) {
	f := new(big.Float).SetInt(b)
	v, acc := f.Float64()
	return v, acc
}

// deepEqual is like reflect.DeepEqual but also supports Dict, Set and FrozenSet.
//
// It is needed because reflect.DeepEqual considers two otherwise-identical
// Dicts/Sets not-equal since each is backed by its own hash seed.
//
// XXX only top-level Dict/Set/FrozenSet is supported currently.
//
//	For example comparing a Dict inside a list with another won't work.
func deepEqual(a, b any) bool {
	switch da := a.(type) {
	case Dict:
		db, ok := b.(Dict)
		if !ok {
			return false
		}
		return dictDeepEqual(da, db)

	case Set:
		db, ok := b.(Set)
		if !ok {
			return false
		}
		return setDeepEqual(da.m, db.m)

	case FrozenSet:
		db, ok := b.(FrozenSet)
		if !ok {
			return false
		}
		return setDeepEqual(da.m, db.m)
	}

	switch b.(type) {
	case Dict, Set, FrozenSet:
		return false // non-Dict/Set != Dict/Set
	}

	return reflect.DeepEqual(a, b)
}

func dictDeepEqual(da, db Dict) bool {
	if da.Len() != db.Len() {
		return false
	}

	// O(n^2) because we want to compare keys exactly (equal() alone would
	// match e.g. int64 == float64, which reflect.DeepEqual should not).
	eq := true
	da.Iter()(func(ka, va any) bool {
		keq := false
		db.Iter()(func(kb, vb any) bool {
			if reflect.TypeOf(ka) == reflect.TypeOf(kb) && equal(ka, kb) {
				if reflect.DeepEqual(va, vb) {
					keq = true
				}
				return false
			}
			return true
		})
		if !keq {
			eq = false
			return false
		}
		return true
	})

	return eq
}

func setDeepEqual(a, b *pyset) bool {
	if a.len() != b.len() {
		return false
	}
	eq := true
	a.iter(func(ia any) bool {
		found := false
		b.iter(func(ib any) bool {
			if reflect.TypeOf(ia) == reflect.TypeOf(ib) && equal(ia, ib) {
				found = true
				return false
			}
			return true
		})
		if !found {
			eq = false
			return false
		}
		return true
	})
	return eq
}
