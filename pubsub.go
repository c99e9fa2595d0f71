// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sortition

import (
	"github.com/luxfi/pubsub"

	"github.com/luxfi/sortition/events"
)

// eventPublisher forwards protocol events to the pubsub server. Emit
// never blocks; slow subscribers are the server's problem.
type eventPublisher struct {
	server *pubsub.Server
}

func (p *eventPublisher) Emit(ev events.Event) {
	p.server.Publish(events.NewFilterer(ev))
}
