// Package staging moves units of work through the on-disk stages
// Discovered -> Queued -> Processing -> Archive.
//
// Every move is a single os.Rename within one filesystem, so a unit is always
// in exactly one stage directory and a crash never leaves a half-copied file.
// A unit gets its unique name once, when it leaves Discovered, and keeps it
// through every later stage.
//
// Admin-mode sources use AdminStore instead: the watched file is never moved.
// It is copied once into a scratch directory and the copy is discarded after
// processing.
package staging
