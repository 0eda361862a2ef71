// Package storage defines the byte-oriented Backend interface that the cache
// and job outputs write through, with a local directory implementation and
// an S3-compatible object store implementation selected by URL.
package storage
