// Package io reads UnixFS DAGs back out of a block store.
//
// # Resolution
//
// [Resolve] walks a slash separated path from a root, entering flat and
// HAMT sharded directories alike. [Stat] describes the node it reaches.
//
// # Listing
//
// [Ls] returns a [LsIterator] over the entries of a directory. Sharded
// directories are walked lazily, each entry is returned once and the
// sharding is not visible in the result. A raw block or file listed on its
// own yields a single entry named by its CID.
//
// # File Reading
//
// [Cat] returns a [Reader] that streams file content leaf by leaf without
// holding the file in memory. [Offset] and [Length] select a range; whole
// subtrees before the range are skipped using the recorded block sizes.
package io
