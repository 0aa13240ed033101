// Package scheduler is the poll loop of a scheduler process.
//
// Every tick it scans the store for due, unlocked, enabled jobs in dispatch
// order, claims them through the lock manager and hands them to the engine.
// It never waits on handler execution; a name at its concurrency limit is left
// for the next tick and a full pool ends the pass early.
package scheduler
