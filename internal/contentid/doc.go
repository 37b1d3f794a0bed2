// Package contentid computes the content digest that identifies a unit of
// work independent of its name or location.
//
// Digests are SHA-256 over the full file contents, streamed in fixed-size
// chunks so arbitrarily large inputs never load into memory. Any failure to
// read the file to completion is tagged transient so callers retry it.
package contentid
