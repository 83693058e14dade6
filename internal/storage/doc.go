// Package storage persists named datasets for the bot.
//
// A dataset is an opaque JSON-serializable value keyed by a short name
// ("streamers", "group-subs", "status-cache", ...). Callers own the schema;
// storage only guarantees that Save followed by Load round-trips and that
// writes are atomic per dataset.
package storage
