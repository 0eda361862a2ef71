// Package cache stores engine results under a content fingerprint of their
// inputs so identical work never runs twice.
//
// Entries live in a storage.Backend as <hex>/bundle/<files> plus a
// <hex>/meta.json record that is written last and acts as the commit marker.
// A per-key lock serializes producers across goroutines, processes and, with
// the Redis locker, hosts.
package cache
