// Package cache defines the partitioned response store behind each site
// worker. A Backend hands out one Storage per site scope; a Storage holds
// named Partitions (the versioned precache and the runtime cache) that map a
// request Key (method + absolute URL) to a stored Entry (status, headers,
// body). Two backends exist: a filesystem layout under
// StoragePath/<scope>/<partition>/ using temp file + rename writes, and a
// redis layout using one hash per partition plus a sorted set that records
// partition creation order. Strategy code in internal/worker depends only on
// the interfaces declared here.
package cache
