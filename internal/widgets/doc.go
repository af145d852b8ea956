// Package widgets owns the live widget registry.
//
// Ownership boundary:
// - model slot allocation and id-safe lookup
// - two-phase state restoration (live pull, persisted merge)
// - backend lifecycle reactions (rebind, restore, sever)
// - display surface binding
//
// Widgets does not own transport framing or document persistence; those
// live in internal/kernel and internal/notebook.
package widgets
