package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// FetchResult is the outcome of a bounded paginated fetch.
type FetchResult[T any] struct {
	Items     []T
	Pages     int
	Truncated bool
}

// FetchAll walks a list endpoint page by page and collects every item. Pages
// are followed through the Link rel="next" header; when the server sends no
// Link header at all, page/per_page numbering is used instead and a short
// page ends the walk.
//
// The walk is bounded by the client's max pages and max items. When a bound
// is reached before the upstream is exhausted, the partial result is returned
// together with ErrTruncated. Each page gets its own timeout.
func FetchAll[T any](ctx context.Context, c *Client, path string, query url.Values) (*FetchResult[T], error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}

	q.Set("per_page", strconv.Itoa(c.perPage))

	pageNum := 1
	next := path + "?" + q.Encode()
	res := &FetchResult[T]{}

	for next != "" {
		if res.Pages >= c.maxPages {
			res.Truncated = true

			break
		}

		items, links, err := fetchPage[T](ctx, c, next)
		if err != nil {
			return nil, fmt.Errorf("github: fetching page %d of %s: %w", res.Pages+1, path, err)
		}

		res.Pages++

		room := c.maxItems - len(res.Items)
		if len(items) > room {
			res.Items = append(res.Items, items[:room]...)
			res.Truncated = true

			break
		}

		res.Items = append(res.Items, items...)

		switch {
		case links != nil:
			next = links["next"]
		case len(items) >= c.perPage:
			pageNum++
			q.Set("page", strconv.Itoa(pageNum))
			next = path + "?" + q.Encode()
		default:
			next = ""
		}

		if next != "" && len(res.Items) >= c.maxItems {
			res.Truncated = true

			break
		}
	}

	if res.Truncated {
		c.logger.Warn("paginated fetch truncated",
			slog.String("path", path),
			slog.Int("pages", res.Pages),
			slog.Int("items", len(res.Items)),
			slog.Int("max_pages", c.maxPages),
			slog.Int("max_items", c.maxItems),
		)

		return res, ErrTruncated
	}

	c.logger.Debug("paginated fetch complete",
		slog.String("path", path),
		slog.Int("pages", res.Pages),
		slog.Int("items", len(res.Items)),
	)

	return res, nil
}

// fetchPage fetches and decodes one page under the per-page timeout. The
// returned link map is nil when the response carried no Link header.
func fetchPage[T any](ctx context.Context, c *Client, target string) ([]T, map[string]string, error) {
	pageCtx, cancel := context.WithTimeout(ctx, c.pageTimeout)
	defer cancel()

	resp, err := c.Do(pageCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var items []T
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, nil, fmt.Errorf("decoding page: %w", err)
	}

	var links map[string]string
	if h := resp.Header.Get("Link"); h != "" {
		links = parseLinkHeader(h)
	}

	return items, links, nil
}

// parseLinkHeader parses an RFC 8288 Link header into rel -> URL.
func parseLinkHeader(h string) map[string]string {
	links := make(map[string]string)

	for part := range strings.SplitSeq(h, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		if len(segments) < 2 {
			continue
		}

		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}

		target = target[1 : len(target)-1]

		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}

			for rel := range strings.FieldsSeq(strings.Trim(value, `"`)) {
				links[rel] = target
			}
		}
	}

	return links
}
