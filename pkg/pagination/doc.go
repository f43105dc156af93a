// Package pagination assembles Graph collections that span several pages.
//
// Graph collection responses carry their items in a "value" array and, when more
// items exist, an "@odata.nextLink" URL pointing at the next page. The Paginator
// follows that chain one page at a time and returns the concatenated items as a
// single JSON array. Responses without a "value" array are single resources and
// are returned unchanged.
//
// Example usage:
//
//	p := pagination.New(fetcher, pagination.DefaultConfig())
//	items, err := p.Read(ctx, "https://graph.microsoft.com/v1.0/users")
//
// The chain is followed until the service stops returning a next link. Set
// Config.MaxPages to bound it against a misbehaving service.
package pagination
