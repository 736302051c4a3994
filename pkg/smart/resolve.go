package smart

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// refCache guarantees at most one fetch per unique literal reference within
// one top-level call tree (pagination included). Successes are kept for the
// lifetime of the cache; a failed fetch leaves no entry behind, so a later
// distinct request may retry, while callers already attached to the in-flight
// fetch all observe the same failure.
type refCache struct {
	mu   sync.Mutex
	done map[string]any
	sf   singleflight.Group
}

func newRefCache() *refCache {
	return &refCache{done: map[string]any{}}
}

func (rc *refCache) fetch(ctx context.Context, c *Client, ref string) (any, error) {
	rc.mu.Lock()
	v, ok := rc.done[ref]
	rc.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err, _ := rc.sf.Do(ref, func() (any, error) {
		// A flight that settled between the check above and this call has
		// already stored its result; do not fetch again.
		rc.mu.Lock()
		v, ok := rc.done[ref]
		rc.mu.Unlock()
		if ok {
			return v, nil
		}
		res, err := c.fetchReference(ctx, ref)
		if err != nil {
			return nil, err
		}
		rc.mu.Lock()
		rc.done[ref] = res
		rc.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// fetchReference GETs one referenced resource. The top-level call already
// handled the token refresh, so sub-requests skip it.
func (c *Client) fetchReference(ctx context.Context, ref string) (any, error) {
	payload, _, err := c.fetch(ctx, c.absoluteURL(ref), &RequestOptions{SkipRefresh: true})
	return payload, err
}

// resolveReferences resolves the Reference values addressed by the given
// dot-separated paths. Paths are processed in ascending depth order so a
// parent (e.g. "encounter") is resolved and mounted before a dependent path
// ("encounter.serviceProvider") is looked up; paths of equal depth race
// freely. In graph mode resolved resources replace their Reference objects in
// place; otherwise they are collected into out keyed by the literal
// reference.
func (c *Client) resolveReferences(ctx context.Context, data any, paths []string, cache *refCache, graph bool, out map[string]any) error {
	seen := map[string]bool{}
	var clean []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return nil
	}

	groups := map[int][]string{}
	for _, p := range clean {
		depth := strings.Count(p, ".")
		groups[depth] = append(groups[depth], p)
	}
	depths := make([]int, 0, len(groups))
	for d := range groups {
		depths = append(depths, d)
	}
	sort.Ints(depths)

	// A Bundle is resolved per entry resource.
	roots := []any{data}
	if m, ok := data.(map[string]any); ok && isBundle(m) {
		roots = bundleResources(m)
	}

	var mu sync.Mutex
	for _, d := range depths {
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range groups[d] {
			segs := strings.Split(p, ".")
			for _, root := range roots {
				root := root
				g.Go(func() error {
					return c.resolvePath(gctx, root, segs, cache, graph, out, &mu)
				})
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) resolvePath(ctx context.Context, node any, segs []string, cache *refCache, graph bool, out map[string]any, mu *sync.Mutex) error {
	if len(segs) == 0 {
		return nil
	}
	seg := segs[0]
	switch n := node.(type) {
	case []any:
		// A numeric segment addresses one element; anything else applies to
		// every element.
		if i, err := strconv.Atoi(seg); err == nil {
			if i < 0 || i >= len(n) {
				return nil
			}
			if len(segs) == 1 {
				return c.mountReference(ctx, n, i, "", n[i], cache, graph, out, mu)
			}
			return c.resolvePath(ctx, n[i], segs[1:], cache, graph, out, mu)
		}
		for _, el := range n {
			if err := c.resolvePath(ctx, el, segs, cache, graph, out, mu); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		v, ok := n[seg]
		if !ok {
			return nil
		}
		if len(segs) > 1 {
			return c.resolvePath(ctx, v, segs[1:], cache, graph, out, mu)
		}
		if arr, ok := v.([]any); ok {
			for i := range arr {
				if err := c.mountReference(ctx, arr, i, "", arr[i], cache, graph, out, mu); err != nil {
					return err
				}
			}
			return nil
		}
		return c.mountReference(ctx, n, -1, seg, v, cache, graph, out, mu)
	}
	return nil
}

// mountReference fetches the Reference held by node and mounts the result. A
// 404 means the referenced resource is simply not available: nothing is
// mounted and no error is raised. Any other failure aborts the whole
// resolution.
func (c *Client) mountReference(ctx context.Context, container any, idx int, key string, node any, cache *refCache, graph bool, out map[string]any, mu *sync.Mutex) error {
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	ref, _ := m["reference"].(string)
	if ref == "" {
		return nil
	}
	res, err := cache.fetch(ctx, c, ref)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if graph {
		switch cont := container.(type) {
		case map[string]any:
			cont[key] = res
		case []any:
			if idx >= 0 && idx < len(cont) {
				cont[idx] = res
			}
		}
		return nil
	}
	if out != nil {
		out[ref] = res
	}
	return nil
}
