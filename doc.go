// Package couchbase is a key-value client for Couchbase buckets speaking the
// binary memcached protocol.
//
// A Client tracks the bucket topology, either from the cluster manager's
// streaming endpoint or by polling GET_CLUSTER_CONFIG on the data nodes, and
// routes each key to the node owning its vbucket. Every node gets a
// NodePool of pipelined connections guarded by an optional circuit breaker.
//
//	client, err := couchbase.NewClient(couchbase.Config{
//	    Seeds:    []string{"cb1.local", "cb2.local"},
//	    Bucket:   "travel",
//	    Username: "app",
//	    Password: "secret",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.WaitUntilReady(ctx); err != nil {
//	    return err
//	}
//	_, err = client.Upsert(ctx, "airline_10", doc, couchbase.StoreOptions{})
//
// # Retries
//
// Operations are retried until they succeed, hit a terminal status, run out
// of attempts or exceed Config.OperationTimeout. Mutations that are not
// idempotent (Insert, Remove, Append, Prepend and counters) are only retried
// when the request provably never reached the server. NotMyVBucket responses
// update the topology before the operation is routed again.
//
// Failures are returned as *OperationError. The status sentinels
// (ErrKeyNotFound, ErrKeyExists, ...) and the outcome sentinels
// (ErrCancelled, ErrRetryExhausted) match with errors.Is.
//
// # Connection pools
//
// Config.Pool selects the pool implementation: NewChannelPool (default) or
// NewPuddlePool. Both satisfy the Pool interface.
package couchbase
