// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package events

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/pubsub"
)

var _ pubsub.Filterer = (*Filterer)(nil)

// Filterer adapts an Event for pubsub delivery. Subscribers filter by
// operator address bytes; operator-independent events match every
// subscriber.
type Filterer struct {
	ev Event
}

func NewFilterer(ev Event) *Filterer {
	return &Filterer{ev: ev}
}

func (f *Filterer) Filter(filters []pubsub.Filter) ([]bool, interface{}) {
	resp := make([]bool, len(filters))
	node := f.ev.Node()
	broadcast := node == ids.EmptyNodeID
	for i, filter := range filters {
		resp[i] = broadcast || filter.Check(node[:])
	}
	return resp, f.ev
}
