// Package cryptoutil holds the hashing used to identify build output.
//
// Bundles are addressed by the sha256 of their archive; locally captured
// trees are identified by a blake3 digest over their entries. Both are
// lower-case hex and are compared in constant time.
package cryptoutil
