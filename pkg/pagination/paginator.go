package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Fields of a collection page.
const (
	// CollectionField holds the items of a collection page.
	CollectionField = "value"

	// NextLinkField holds the URL of the next page. Absent or null on the last page.
	NextLinkField = "@odata.nextLink"
)

// ErrPageLimit is returned when a next-link chain exceeds Config.MaxPages.
var ErrPageLimit = errors.New("page limit exceeded")

var pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "graph_pages_fetched_total",
	Help: "Total number of collection pages fetched",
})

// Config holds paginator configuration
type Config struct {
	// MaxPages caps the number of pages followed (0 = no limit)
	MaxPages int
}

// DefaultConfig returns the default configuration: follow every next link
func DefaultConfig() Config {
	return Config{}
}

// Fetcher is the interface the Graph client implements for single-page fetching
type Fetcher interface {
	// FetchPage performs a GET on url and returns the raw JSON body
	FetchPage(ctx context.Context, url string) (json.RawMessage, error)
}

// Paginator follows next-page links and accumulates collection items
type Paginator struct {
	fetcher Fetcher
	config  Config
}

// New creates a new paginator
func New(fetcher Fetcher, config Config) *Paginator {
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}
	return &Paginator{
		fetcher: fetcher,
		config:  config,
	}
}

// Read fetches url and, if it is a collection, every following page.
// Collections are returned as a JSON array of all items; single resources are
// returned exactly as received.
func (p *Paginator) Read(ctx context.Context, url string) (json.RawMessage, error) {
	start := time.Now()
	items := make([]json.RawMessage, 0)
	next := url

	for pages := 0; next != ""; pages++ {
		if p.config.MaxPages > 0 && pages >= p.config.MaxPages {
			log.Warn().
				Str("url", url).
				Int("max_pages", p.config.MaxPages).
				Msg("Next-link chain exceeds page limit")
			return nil, fmt.Errorf("%w: %s after %d pages", ErrPageLimit, url, pages)
		}

		data, err := p.fetcher.FetchPage(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", pages+1, err)
		}
		pagesFetchedTotal.Inc()

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil || !isArray(fields[CollectionField]) {
			// Not a collection page: a single resource, or a non-object body.
			if pages == 0 {
				return data, nil
			}
			return nil, fmt.Errorf("page %d of %s is not a collection page", pages+1, url)
		}

		var pageItems []json.RawMessage
		if err := json.Unmarshal(fields[CollectionField], &pageItems); err != nil {
			return nil, fmt.Errorf("decode page %d items: %w", pages+1, err)
		}
		items = append(items, pageItems...)

		var link string
		if raw, ok := fields[NextLinkField]; ok {
			if err := json.Unmarshal(raw, &link); err != nil {
				return nil, fmt.Errorf("decode page %d next link: %w", pages+1, err)
			}
		}

		log.Debug().
			Str("url", url).
			Int("page", pages+1).
			Int("items", len(items)).
			Msg("Collection page fetched")

		next = link
	}

	log.Debug().
		Str("url", url).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Collection read complete")

	return json.Marshal(items)
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
