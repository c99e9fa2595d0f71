// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines configuration parameters for the ciphernode
// bonding, sortition and slashing protocol.
package config

import (
	"errors"
	"time"

	"github.com/luxfi/ids"
)

var (
	ErrZeroTicketPrice       = errors.New("ticket price must be non-zero")
	ErrZeroLicenseBond       = errors.New("license bond must be non-zero")
	ErrBadInactiveThreshold  = errors.New("ticket inactive threshold must be in (0, 10000]")
	ErrZeroSubmissionWindow  = errors.New("submission window must be non-zero")
	ErrZeroActivationTickets = errors.New("activation ticket minimum must be non-zero")
)

// Config contains configuration parameters for the protocol core.
type Config struct {
	// ChainID identifies the execution context. Slash proofs are bound to
	// this ID so evidence cannot be replayed across deployments.
	ChainID ids.ID `json:"chainID"`

	// Strategy is the delegation strategy consulted for license stake.
	Strategy ids.ID `json:"strategy"`

	// TicketPrice is the payment-asset cost of a single duty ticket.
	TicketPrice uint64 `json:"ticketPrice"`
	// LicenseBond is the one-time activation collateral amount.
	LicenseBond uint64 `json:"licenseBond"`

	// MinLicenseStake is the minimum delegated stake required to license.
	MinLicenseStake uint64 `json:"minLicenseStake"`
	// MinAllocatedMagnitude is the minimum allocation to this protocol's
	// operator set required to license.
	MinAllocatedMagnitude uint64 `json:"minAllocatedMagnitude"`

	// MinTicketsForActivation is the available-ticket count at which a
	// registered operator becomes active.
	MinTicketsForActivation uint32 `json:"minTicketsForActivation"`

	// TicketInactiveBps is the cumulative-slash ratio, in basis points, at
	// which an Active ticket flips to Inactive.
	TicketInactiveBps uint32 `json:"ticketInactiveBps"`

	// ExitDelay is how long withdrawn collateral is held in the exit queue.
	ExitDelay time.Duration `json:"exitDelay"`

	// SubmissionWindow is the default sortition submission window for a
	// committee request that does not specify one.
	SubmissionWindow time.Duration `json:"submissionWindow"`
}

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() Config {
	return Config{
		TicketPrice: 10_000_000, // 10 units at 6 decimals

		LicenseBond:           1_000_000_000, // 1000 units
		MinLicenseStake:       32_000_000_000,
		MinAllocatedMagnitude: 1_000_000,

		MinTicketsForActivation: 1,
		TicketInactiveBps:       9500, // 95% slashed

		ExitDelay:        14 * 24 * time.Hour,
		SubmissionWindow: 10 * time.Minute,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch {
	case c.TicketPrice == 0:
		return ErrZeroTicketPrice
	case c.LicenseBond == 0:
		return ErrZeroLicenseBond
	case c.TicketInactiveBps == 0 || c.TicketInactiveBps > 10_000:
		return ErrBadInactiveThreshold
	case c.SubmissionWindow <= 0:
		return ErrZeroSubmissionWindow
	case c.MinTicketsForActivation == 0:
		return ErrZeroActivationTickets
	}
	return nil
}
