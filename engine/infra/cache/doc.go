// Package cache provides the two-level response cache: a bounded in-process
// LRU (L1) in front of the durable cache_entries table (L2). Keys are
// deterministic fingerprints of (agent, operation, canonicalized input), so
// repeated read operations with semantically equal inputs hit the same entry.
// Values above a configurable size are gzip-compressed before the L2 write,
// expired entries are dropped lazily on access and by a cron-scheduled sweep,
// and aggregate counters are exposed through Stats.
package cache
