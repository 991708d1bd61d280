// Package connresolver resolves a caller's connection-key header to a
// stored Connection under tenant scope, backed by a bounded LRU cache.
package connresolver

import (
	"context"
	"fmt"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/models"
	"github.com/conduithq/conduit/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver resolves connections and caches hits keyed by (tenantId, key).
type Resolver struct {
	store store.ConnectionStore
	cache *lru.Cache[string, models.Connection]
}

// New builds a Resolver with a bounded cache of the given size.
func New(s store.ConnectionStore, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	cache, err := lru.New[string, models.Connection](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("building connection cache: %w", err)
	}
	return &Resolver{store: s, cache: cache}, nil
}

func cacheKey(tenantId, connectionKey string) string {
	return tenantId + "::" + connectionKey
}

// Resolve looks up the connection with filter {key, ownership.buildableId,
// deleted:false}, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, tenantId, connectionKey string) (*models.Connection, error) {
	ck := cacheKey(tenantId, connectionKey)
	if conn, ok := r.cache.Get(ck); ok {
		cp := conn
		return &cp, nil
	}

	conn, err := r.store.GetOneConnection(ctx, store.Filter{
		"key":                   connectionKey,
		"ownership.buildableId": tenantId,
		"deleted":               false,
	})
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, apperror.NotFound("connection not found", connectionKey)
		}
		return nil, apperror.As(err)
	}

	r.cache.Add(ck, *conn)
	return conn, nil
}

// Invalidate drops the cached entry for (tenantId, connectionKey). Intended
// for a connection write path: there is none in this gateway's HTTP surface
// today, so nothing calls this yet, but the cache key is stable and tenant-
// scoped so a future connection update/delete handler can call it directly.
func (r *Resolver) Invalidate(tenantId, connectionKey string) {
	r.cache.Remove(cacheKey(tenantId, connectionKey))
}

// InvalidatePlatform drops every cached entry for connections on the given
// platform. A CMD update can affect any number of connections across any
// number of tenants, and the cache has no secondary index by platform, so a
// precise (tenantId, connectionKey) eviction isn't possible from a CMD write
// alone — this walks the cache once and removes the matching entries.
func (r *Resolver) InvalidatePlatform(platform string) {
	for _, k := range r.cache.Keys() {
		if conn, ok := r.cache.Peek(k); ok && conn.Platform == platform {
			r.cache.Remove(k)
		}
	}
}
