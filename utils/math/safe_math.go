// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package math

import (
	"errors"
)

// Unsigned is a constraint that permits any unsigned integer type.
type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

var (
	ErrOverflow  = errors.New("overflow")
	ErrUnderflow = errors.New("underflow")
)

// MaxUint returns the maximum value of an unsigned integer of type T.
func MaxUint[T Unsigned]() T {
	return ^T(0)
}

// Add returns:
// 1) a + b
// 2) If there is overflow, an error
func Add[T Unsigned](a, b T) (T, error) {
	if a > MaxUint[T]()-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns:
// 1) a - b
// 2) If there is underflow, an error
func Sub[T Unsigned](a, b T) (T, error) {
	if a < b {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Mul returns:
// 1) a * b
// 2) If there is overflow, an error
func Mul[T Unsigned](a, b T) (T, error) {
	if b != 0 && a > MaxUint[T]()/b {
		return 0, ErrOverflow
	}
	return a * b, nil
}

// SatSub returns a - b, saturating at zero. Collateral debits use this
// so that partially slashing an already-exited operator proceeds
// instead of reverting.
func SatSub[T Unsigned](a, b T) T {
	if a < b {
		return 0
	}
	return a - b
}

// SatAdd returns a + b, saturating at the maximum of T.
func SatAdd[T Unsigned](a, b T) T {
	if a > MaxUint[T]()-b {
		return MaxUint[T]()
	}
	return a + b
}

// Take returns min(want, have) and the remainder of want that could not
// be taken. It is the primitive behind graceful-degradation debits.
func Take[T Unsigned](want, have T) (taken, remaining T) {
	if want <= have {
		return want, 0
	}
	return have, want - have
}
