// Package federation is the network transport between taracol nodes.
//
// A node serves its firehose, its repositories and optionally its identity
// directory over a small gRPC service whose messages are protobuf wrapper
// types carrying JSON. Clients share a connection Pool with a per-peer
// circuit breaker and retry unary calls with exponential backoff. Peers
// authenticate each other with mutual TLS rooted in a federation CA.
package federation
