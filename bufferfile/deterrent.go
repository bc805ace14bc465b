package bufferfile

import "sync"

// Deterrent is the process-wide RW lock gating flush policy (spec.md §5
// "Deterrent RW lock"). The flush path takes it in read mode for the
// duration of a flush pass; StartDeterrent/EndDeterrent callers that need
// to block flushes entirely (none currently do — per-file deterrent
// counts are the normal mechanism) would take it in write mode.
var Deterrent sync.RWMutex
