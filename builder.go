package sheetsync

import (
	"fmt"

	"github.com/stackfold/sheetsync/engine"
	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/notify"
)

// ClientBuilder provides a fluent interface for constructing Client instances.
type ClientBuilder struct {
	gw        gateway.Gateway
	store     LocalStore
	logger    *logging.Logger
	hubBuffer int
}

// NewClientBuilder creates a new builder with default options.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		hubBuffer: notify.DefaultBuffer,
	}
}

// WithGateway sets the server gateway for the Client.
func (b *ClientBuilder) WithGateway(gw gateway.Gateway) *ClientBuilder {
	b.gw = gw
	return b
}

// WithStore sets the LocalStore for the Client.
func (b *ClientBuilder) WithStore(store LocalStore) *ClientBuilder {
	b.store = store
	return b
}

// WithLogger sets the logger. Defaults to the package-level logger.
func (b *ClientBuilder) WithLogger(logger *logging.Logger) *ClientBuilder {
	b.logger = logger
	return b
}

// WithHubBuffer sets the per-subscriber notification buffer depth. Slow
// subscribers past this depth lose their oldest updates.
func (b *ClientBuilder) WithHubBuffer(depth int) *ClientBuilder {
	b.hubBuffer = depth
	return b
}

// Build wires the ledger, conflict engine and notification hub around the
// configured gateway and store, and returns the assembled Client.
func (b *ClientBuilder) Build() (*Client, error) {
	if b.gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if b.hubBuffer <= 0 {
		return nil, fmt.Errorf("hub buffer must be positive, got %d", b.hubBuffer)
	}
	logger := b.logger
	if logger == nil {
		logger = logging.Default()
	}

	hub := notify.NewHub(b.hubBuffer)
	ldg := ledger.New(b.store, b.store, hub, logger)
	eng := engine.New(b.gw, b.store, ldg, hub, logger)

	return &Client{
		gw:     b.gw,
		store:  b.store,
		ledger: ldg,
		engine: eng,
		hub:    hub,
		logger: logger,
	}, nil
}
