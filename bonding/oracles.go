// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bonding

import (
	"errors"
	"sync"

	"github.com/luxfi/ids"

	safemath "github.com/luxfi/sortition/utils/math"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DelegationOracle reports an operator's stake in the external
// delegation/strategy system. It gates license acquisition and is
// assumed honest.
type DelegationOracle interface {
	OperatorShares(operator ids.NodeID, strategy ids.ID) (uint64, error)
	AllocatedMagnitude(operator ids.NodeID, strategy ids.ID) (uint64, error)
}

// PaymentAsset moves the external payment asset used for license bonds
// and ticket purchases. A transfer failure aborts the calling operation.
type PaymentAsset interface {
	Debit(addr ids.ShortID, amount uint64) error
	Credit(addr ids.ShortID, amount uint64) error
}

// SimpleDelegationOracle is an in-memory delegation oracle for testing.
type SimpleDelegationOracle struct {
	mu         sync.RWMutex
	shares     map[ids.NodeID]uint64
	magnitudes map[ids.NodeID]uint64
}

// NewSimpleDelegationOracle creates a new in-memory delegation oracle.
func NewSimpleDelegationOracle() *SimpleDelegationOracle {
	return &SimpleDelegationOracle{
		shares:     make(map[ids.NodeID]uint64),
		magnitudes: make(map[ids.NodeID]uint64),
	}
}

// SetShares sets the delegated shares for an operator.
func (o *SimpleDelegationOracle) SetShares(operator ids.NodeID, amount uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shares[operator] = amount
}

// SetMagnitude sets the allocated magnitude for an operator.
func (o *SimpleDelegationOracle) SetMagnitude(operator ids.NodeID, amount uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.magnitudes[operator] = amount
}

func (o *SimpleDelegationOracle) OperatorShares(operator ids.NodeID, _ ids.ID) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.shares[operator], nil
}

func (o *SimpleDelegationOracle) AllocatedMagnitude(operator ids.NodeID, _ ids.ID) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.magnitudes[operator], nil
}

// SimplePaymentAsset is an in-memory payment asset for testing.
type SimplePaymentAsset struct {
	mu       sync.Mutex
	balances map[ids.ShortID]uint64
}

// NewSimplePaymentAsset creates a new in-memory payment asset.
func NewSimplePaymentAsset() *SimplePaymentAsset {
	return &SimplePaymentAsset{balances: make(map[ids.ShortID]uint64)}
}

// Mint credits addr out of thin air.
func (a *SimplePaymentAsset) Mint(addr ids.ShortID, amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[addr] = safemath.SatAdd(a.balances[addr], amount)
}

// BalanceOf returns the balance of addr.
func (a *SimplePaymentAsset) BalanceOf(addr ids.ShortID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[addr]
}

func (a *SimplePaymentAsset) Debit(addr ids.ShortID, amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balances[addr] < amount {
		return ErrInsufficientFunds
	}
	a.balances[addr] -= amount
	return nil
}

func (a *SimplePaymentAsset) Credit(addr ids.ShortID, amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[addr] = safemath.SatAdd(a.balances[addr], amount)
	return nil
}
