// Package stores provides the inventory store used by the pool manager.
//
// The Store interface is a small Redis-shaped primitive set: sets with
// atomic moves, hashes, counters and key expiry. RedisStore speaks to a real
// Redis server using the key layout described by Keys, so existing data
// under the "vmpooler" namespace stays readable. SQLiteStore implements the
// same contract on a local database for single-node deployments.
package stores
