// Package session owns the server-side audio session store: per-key
// utterance buffers with a size cap, configuration inheritance for derived
// per-source sessions, and idle-timeout eviction.
package session
