package smart

import (
	"context"
	"fmt"
	"iter"
)

// paginate is the in-pipeline half of the paginator: it applies MaxPages,
// Flat and OnPage to an already-fetched first page, reusing the call's
// reference cache for follow-on pages.
func (c *Client) paginate(ctx context.Context, first map[string]any, opts *RequestOptions, cache *refCache, res *Result) (*Result, error) {
	limit := opts.pageLimit()

	var accumulated []any
	deliver := func(page map[string]any) error {
		var out any = page
		if opts.Flat {
			out = bundleResources(page)
		}
		if opts.OnPage != nil {
			return opts.OnPage(out)
		}
		if opts.Flat {
			accumulated = append(accumulated, out.([]any)...)
		} else {
			accumulated = append(accumulated, out)
		}
		return nil
	}

	if err := deliver(first); err != nil {
		return nil, err
	}

	current := first
	fetched := 1
	for limit == 0 || fetched < limit {
		next := nextPageURL(current)
		if next == "" {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, _, err := c.fetch(ctx, next, opts)
		if err != nil {
			return nil, err
		}
		page, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("paging target %s did not return a Bundle", next)
		}
		if len(opts.ResolveReferences) > 0 {
			if err := c.resolveReferences(ctx, page, opts.ResolveReferences, cache, !opts.NoGraph, res.References); err != nil {
				return nil, err
			}
		}
		if err := deliver(page); err != nil {
			return nil, err
		}
		current = page
		fetched++
	}

	switch {
	case opts.OnPage != nil:
		// Pages were streamed away; there is nothing to materialize.
		res.Resource = nil
	case limit == 1 && !opts.Flat:
		res.Resource = first
	case limit == 1:
		res.Resource = accumulated
	default:
		res.Resource = accumulated
	}
	return res, nil
}

// Pages walks a Bundle chain lazily, yielding each page in link order until
// no next link remains, the consumer stops, or ctx is cancelled. from is
// either a Bundle (yielded as the first page) or a URL string to fetch it
// from. The sequence never looks backward and does not auto-resolve
// references.
func (c *Client) Pages(ctx context.Context, from any) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		var current map[string]any
		switch src := from.(type) {
		case map[string]any:
			current = src
		case string:
			page, err := c.fetchBundle(ctx, src)
			if err != nil {
				yield(nil, err)
				return
			}
			current = page
		default:
			yield(nil, fmt.Errorf("pages source must be a Bundle or a URL string, got %T", from))
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(current, nil) {
				return
			}
			next := nextPageURL(current)
			if next == "" {
				return
			}
			page, err := c.fetchBundle(ctx, next)
			if err != nil {
				yield(nil, err)
				return
			}
			current = page
		}
	}
}

// Resources flattens Pages into the individual entry resources, stopping
// after max items when max > 0.
func (c *Client) Resources(ctx context.Context, from any, max int) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		count := 0
		for page, err := range c.Pages(ctx, from) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, res := range bundleResources(page) {
				m, ok := res.(map[string]any)
				if !ok {
					continue
				}
				if !yield(m, nil) {
					return
				}
				count++
				if max > 0 && count >= max {
					return
				}
			}
		}
	}
}

func (c *Client) fetchBundle(ctx context.Context, target string) (map[string]any, error) {
	payload, _, err := c.fetch(ctx, c.absoluteURL(target), &RequestOptions{})
	if err != nil {
		return nil, err
	}
	page, ok := payload.(map[string]any)
	if !ok || !isBundle(page) {
		return nil, fmt.Errorf("paging target %s did not return a Bundle", target)
	}
	return page, nil
}
