// Package deopt rebuilds baseline frames from an optimized frame.
//
// When a speculation in optimized code fails, the optimized frame is
// replaced by one or more baseline frames, one per inlined method. The
// package works in phases:
//   - Stage: read the optimized frame through its metadata, resolve every
//     slot to a typed value and lay out the new frames. May allocate.
//   - Commit: write the new frames into a raw frame buffer inside an
//     uninterruptible section so the collector cannot move objects
//     while their addresses are being written.
//   - Relock: reacquire the monitors the inlined frames held.
//   - Install: hand the buffer to the stub that copies it onto the stack.
//
// Records are owned by one goroutine and are not safe for concurrent use.
// The heap, registries and monitor manager they talk to are shared.
package deopt
