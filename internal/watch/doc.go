// Package watch classifies poll results into transition events.
//
// It keeps the last observed live status per streamer and a per-streamer feed
// watermark, both persisted, so a restart resumes silently instead of
// re-firing events for states that were already known.
package watch
