// Package cache owns the derivative image directory. Every file in it is
// addressed by a key produced by Key, written atomically (temp file + rename)
// and guarded by a per-key lock plus a directory-wide read/write lock so that a
// full purge never races a write or an open. Higher layers (render) decide
// what to store; this package only knows filenames and bytes.
package cache
