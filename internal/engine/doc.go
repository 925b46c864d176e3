// Package engine supervises the pool of out-of-process analysis engines.
// It owns process lifecycle, the per-engine receive loops, revision-based
// response correlation, and the coordinated pool-wide restart barrier. All
// engine and analysis state is confined to the pool's single run loop.
package engine
