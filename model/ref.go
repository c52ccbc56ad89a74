package model

// MailboxRef and MessageRef are stable indices into a Tree's slabs — the
// "weak reference" handles tasks and callers hold across event-loop turns
// instead of pointers, so a reallocation of the underlying slab never
// invalidates a reference a caller is sitting on (Design Note §9).
type MailboxRef uint32

type MessageRef uint32

// NoRef is the zero value of both ref types: no slab ever uses slot 0,
// so it doubles as a "not found" / "not yet resolved" sentinel.
const NoRef = 0
