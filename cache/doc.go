// Package cache is the tag-indexed response cache.
//
// Entries live under "<prefix>:k:<key>". Each tag owns a set
// "<prefix>:t:<tag>" of the physical entry keys carrying it, and a version
// counter "<prefix>:v:<tag>" bumped on every invalidation of the tag.
//
// Writes and invalidations run as Lua scripts, so an entry is never visible
// without being registered under every one of its tags, and invalidating a
// tag removes its members and the set in one step.
//
// A fill that races an invalidation is fenced: [Cache.Lookup] captures the tag
// versions in the same round trip as the read, and [Cache.Fill] writes only if
// none of them moved. A value computed before a write can therefore never be
// stored after that write's invalidation.
//
// The cache is advisory. Callers fall through to the uncached path on any
// error; [Invalidator] exists for the one case that must not be dropped, an
// invalidation after a successful write.
package cache
