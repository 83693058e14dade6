// Package subs owns the subscription state: tracked streamers, per-group and
// per-user subscription sets, and the reverse indexes used for fan-out.
//
// The reverse indexes (streamer -> subscribed groups/users) are derived state.
// Every mutation updates them under the same lock before returning, so they
// always equal what a full scan of the subscription sets would produce.
package subs
