// Package remote is the HTTP client for the remote gift and wish store.
//
// The store speaks the PostgREST dialect: tables under /rest/v1/<table>,
// filters as query parameters (id=eq.x), and functions under
// /rest/v1/rpc/<name>. The schema is owned elsewhere; this package only
// depends on the columns it selects.
//
// Every method takes a context and returns *Error for non-2xx replies.
// A Client built without a base URL or key reports Configured() == false
// and every call fails with a NOT_CONFIGURED error.
package remote
