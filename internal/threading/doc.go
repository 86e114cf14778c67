// Package threading provides the two execution contexts every bridge
// object and callback is affine to.
//
// ARCHITECTURE:
//
// Environment owns two serial executors, Main and Background. Each is a
// goroutine draining an unbounded FIFO queue, so tasks posted to the same
// context never run concurrently and run in posting order. Work crosses
// contexts only by message passing: Post schedules a task, Move transfers
// a value and delivers it to a completion on the requested context.
//
// Transfer rules:
//   - primitives, times and byte slices are copied
//   - cloud values are deep-cloned
//   - store.ObjectID values pass through unchanged
//   - committed *store.Object handles are re-fetched from the store on the
//     destination context, so each context reads its own snapshot
//   - slices and maps are transferred element by element
//
// Anything else, including objects that were never committed, fails with
// ErrNotTransferable.
package threading
