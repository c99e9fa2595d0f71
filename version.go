// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sortition

import "github.com/luxfi/version"

// Version is the protocol core version.
var Version = &version.Semantic{
	Major: 1,
	Minor: 0,
	Patch: 0,
}
