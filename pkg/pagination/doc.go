// Package pagination provides offset pagination for Avela collection
// endpoints.
//
// Avela list endpoints accept limit (at most 1000) and offset query
// parameters. The paginator requests consecutive pages and stops on the first
// page shorter than the limit; total-count fields in responses are ignored
// because an exhausted page may still report a stale total.
//
// Example usage:
//
//	pager := pagination.New(apiClient, pagination.DefaultConfig())
//	applicants, err := pager.FetchAll(ctx, "/applicants", "applicants", nil)
//
// Iterator returns one page per Next call and can be restarted from offset
// zero with Reset. Pages are fetched sequentially; pacing is the rate
// limiter's job.
package pagination
