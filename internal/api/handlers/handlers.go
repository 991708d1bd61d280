// Package handlers implements the gateway's HTTP surface: CMD and
// CVM CRUD, batch update, knowledge enrichment, test-connection, and the
// passthrough proxy.
package handlers

import (
	"github.com/conduithq/conduit/internal/batch"
	"github.com/conduithq/conduit/internal/config"
	"github.com/conduithq/conduit/internal/connresolver"
	"github.com/conduithq/conduit/internal/definition"
	"github.com/conduithq/conduit/internal/dispatcher"
	"github.com/conduithq/conduit/internal/fanout"
	"github.com/conduithq/conduit/internal/store"
)

// Handlers bundles every dependency the HTTP layer needs.
type Handlers struct {
	Store        store.Store
	Resolver     *connresolver.Resolver
	Materializer *definition.Materializer
	Dispatcher   *dispatcher.Dispatcher
	Fanout       *fanout.Fanout
	Batch        *batch.Engine
	Headers      config.HeaderConfig
	Auth         config.AuthConfig
}

func New(
	s store.Store,
	resolver *connresolver.Resolver,
	materializer *definition.Materializer,
	d *dispatcher.Dispatcher,
	f *fanout.Fanout,
	b *batch.Engine,
	headers config.HeaderConfig,
	auth config.AuthConfig,
) *Handlers {
	return &Handlers{
		Store:        s,
		Resolver:     resolver,
		Materializer: materializer,
		Dispatcher:   d,
		Fanout:       f,
		Batch:        b,
		Headers:      headers,
		Auth:         auth,
	}
}
