// Package etcd is an etcd-backed Repository, one of two selectable
// Configuration Repository Interface backends (spec.md §6). Cache
// invalidation signals from the management surface are delivered as etcd
// watch events on the upstream/route prefixes.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oagw/gateway/internal/config"
	"github.com/oagw/gateway/internal/model"
	"github.com/oagw/gateway/internal/repository"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	upstreamPrefix = "/oagw/upstreams/" // /oagw/upstreams/{tenant_id}/{alias}
	routePrefix    = "/oagw/routes/"    // /oagw/routes/{upstream_id}/{route_id}
	pluginPrefix   = "/oagw/plugins/"   // /oagw/plugins/{uuid}
)

// Repository implements repository.Repository against etcd.
type Repository struct {
	client        *clientv3.Client
	invalidations chan repository.InvalidationEvent
	cancelWatch   context.CancelFunc
}

// New dials etcd and starts the invalidation watch.
func New(cfg config.EtcdConfig) (*Repository, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if len(cfg.Endpoints) > 0 {
		if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	r := &Repository{
		client:        client,
		invalidations: make(chan repository.InvalidationEvent, 256),
		cancelWatch:   watchCancel,
	}
	go r.watch(watchCtx)
	return r, nil
}

func (r *Repository) watch(ctx context.Context) {
	defer close(r.invalidations)
	watchCh := r.client.Watch(ctx, upstreamPrefix, clientv3.WithPrefix())
	watchCh2 := r.client.Watch(ctx, routePrefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				tenantID, alias := parseUpstreamKey(string(ev.Kv.Key))
				r.notify(repository.InvalidationEvent{TenantID: tenantID, Alias: alias})
			}
		case resp, ok := <-watchCh2:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				upstreamID, _ := parseRouteKey(string(ev.Kv.Key))
				r.notify(repository.InvalidationEvent{UpstreamID: upstreamID})
			}
		}
	}
}

func (r *Repository) notify(ev repository.InvalidationEvent) {
	select {
	case r.invalidations <- ev:
	default:
	}
}

func (r *Repository) FindUpstream(ctx context.Context, tenantID, alias string) (*model.Upstream, error) {
	key := upstreamKey(tenantID, alias)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get upstream: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, repository.ErrNotFound
	}
	var u model.Upstream
	if err := json.Unmarshal(resp.Kvs[0].Value, &u); err != nil {
		return nil, fmt.Errorf("decode upstream: %w", err)
	}
	return &u, nil
}

func (r *Repository) ListAncestorUpstreams(ctx context.Context, chain []string, alias string) ([]*model.Upstream, error) {
	var out []*model.Upstream
	for _, tenantID := range chain {
		u, err := r.FindUpstream(ctx, tenantID, alias)
		if err == repository.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *Repository) ListRoutes(ctx context.Context, upstreamID string) ([]*model.Route, error) {
	prefix := routePrefix + upstreamID + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	out := make([]*model.Route, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rt model.Route
		if err := json.Unmarshal(kv.Value, &rt); err != nil {
			continue
		}
		out = append(out, &rt)
	}
	return out, nil
}

func (r *Repository) LoadPlugin(ctx context.Context, uuid string) (*model.PluginDefinition, error) {
	resp, err := r.client.Get(ctx, pluginPrefix+uuid)
	if err != nil {
		return nil, fmt.Errorf("load plugin: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, repository.ErrNotFound
	}
	var p model.PluginDefinition
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return nil, fmt.Errorf("decode plugin: %w", err)
	}
	return &p, nil
}

func (r *Repository) Invalidations() <-chan repository.InvalidationEvent {
	return r.invalidations
}

// Close stops the invalidation watch and closes the etcd client.
func (r *Repository) Close() error {
	r.cancelWatch()
	return r.client.Close()
}

func upstreamKey(tenantID, alias string) string {
	return upstreamPrefix + tenantID + "/" + alias
}

func parseUpstreamKey(key string) (tenantID, alias string) {
	trimmed := strings.TrimPrefix(key, upstreamPrefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func parseRouteKey(key string) (upstreamID, routeID string) {
	trimmed := strings.TrimPrefix(key, routePrefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
