// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sortition wires the bonding ledger, committee registry,
// slashing manager and exit queue into a single protocol core with a
// JSON-RPC surface and an event pubsub feed.
package sortition

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/luxfi/pubsub"

	"github.com/luxfi/sortition/api"
	"github.com/luxfi/sortition/bonding"
	"github.com/luxfi/sortition/clock"
	"github.com/luxfi/sortition/config"
	"github.com/luxfi/sortition/events"
	"github.com/luxfi/sortition/exitqueue"
	"github.com/luxfi/sortition/metrics"
	"github.com/luxfi/sortition/registry"
	"github.com/luxfi/sortition/slashing"
)

var (
	_ api.Protocol = (*Protocol)(nil)

	exitsPrefix    = []byte("exits")
	bondingPrefix  = []byte("bonding")
	registryPrefix = []byte("registry")
	slashingPrefix = []byte("slashing")
)

// Protocol owns the protocol components and their shared plumbing.
// Components never call each other directly; they interact through the
// gateways wired here.
type Protocol struct {
	log     log.Logger
	clk     *clock.Clock
	metrics metrics.Metrics
	pubsub  *pubsub.Server

	exits    *exitqueue.Queue
	ledger   *bonding.Ledger
	registry *registry.Registry
	slasher  *slashing.Manager
}

// New builds the protocol core on top of db. The slasher and governance
// addresses gate the evidence lane and policy administration.
func New(
	cfg config.Config,
	db database.Database,
	logger log.Logger,
	registerer metric.Registerer,
	clk *clock.Clock,
	oracle bonding.DelegationOracle,
	asset bonding.PaymentAsset,
	slasher ids.ShortID,
	governance ids.ShortID,
) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := metrics.New(registerer)
	if err != nil {
		return nil, err
	}

	ps := pubsub.New(logger)
	sink := events.MultiSink{m, &eventPublisher{server: ps}}

	exits := exitqueue.New(prefixdb.New(exitsPrefix, db), logger, clk, sink)

	ledger, err := bonding.New(cfg, prefixdb.New(bondingPrefix, db), logger, clk, sink, oracle, asset, exits)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(cfg, prefixdb.New(registryPrefix, db), logger, clk, sink, ledger.DutyGateway())
	if err != nil {
		return nil, err
	}
	ledger.SetMembership(reg)

	mgr, err := slashing.New(
		cfg,
		prefixdb.New(slashingPrefix, db),
		logger,
		clk,
		sink,
		ledger.SlashGateway(),
		reg.SlashGateway(),
		slasher,
		governance,
	)
	if err != nil {
		return nil, err
	}
	ledger.SetBanView(mgr)

	return &Protocol{
		log:      logger,
		clk:      clk,
		metrics:  m,
		pubsub:   ps,
		exits:    exits,
		ledger:   ledger,
		registry: reg,
		slasher:  mgr,
	}, nil
}

func (p *Protocol) Ledger() *bonding.Ledger      { return p.ledger }
func (p *Protocol) Registry() *registry.Registry { return p.registry }
func (p *Protocol) Slasher() *slashing.Manager   { return p.slasher }
func (p *Protocol) Exits() *exitqueue.Queue      { return p.exits }

func (p *Protocol) Version() string {
	return Version.String()
}

// CreateHandlers returns the HTTP handlers for the RPC service and the
// event feed.
func (p *Protocol) CreateHandlers() (map[string]http.Handler, error) {
	codec := json2.NewCodec()

	server := rpc.NewServer()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	server.RegisterInterceptFunc(p.metrics.InterceptRequest)
	server.RegisterAfterFunc(p.metrics.AfterRequest)
	if err := server.RegisterService(api.NewService(p), "sortition"); err != nil {
		return nil, err
	}

	return map[string]http.Handler{
		"":        server,
		"/events": p.pubsub,
	}, nil
}

// HealthCheck reports liveness of the core. The accumulator root is
// included so monitoring can detect a wedged membership set.
func (p *Protocol) HealthCheck() (interface{}, error) {
	return map[string]interface{}{
		"membershipRoot": p.registry.Root(),
	}, nil
}
