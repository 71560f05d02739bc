// Package cluster defines the distributed collections a gateway cluster shares
// and the optimistic update protocol used to mutate them.
//
// A Provider hands out named Maps. Every Map supports conditional writes
// (PutIfAbsent, Replace with an expected old value, Remove with an expected
// value), which is all ReadModifyWrite needs to apply a pure update function
// without locks:
//
//	read current value -> compute next -> conditional write -> retry on conflict
//
// Implementations
//
//	memory : process-local maps for tests and single-node gateways
//	redis  : one Redis hash per map, conditional writes as Lua scripts
//
// Values are opaque bytes. Callers that compare structured values (sets of
// URIs, for example) must encode them canonically so that equal values have
// equal bytes.
package cluster
