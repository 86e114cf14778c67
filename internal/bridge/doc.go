// Package bridge coordinates a store with a cloud connection.
//
// A Bridge runs fetch, create, reload, save and delete as four steps:
// dispatch to the work context, the remote call, a merge in one store
// transaction, and delivery on the caller's context. The work context is
// threading.Background unless WithTransformsOnMain is set.
//
// OfflineBridge adds offline mode. Changes made while offline are marked
// on the objects themselves with the store's pending attributes and
// replayed in bulk by ReenableOnlineMode, one call per entity and kind.
//
// Errors: connection errors reach completions unchanged. Store, schema,
// transfer and offline failures are *Error values carrying the operation,
// entity and request id.
package bridge
