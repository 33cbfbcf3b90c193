// Package engine provides the asynchronous run execution engine. It owns
// the run lifecycle: requests become pending records, a single dispatch
// worker executes them through the registered runner substrates, and every
// status change is persisted through the store's transition guard, streamed
// to log subscribers, and announced to the notification sink.
package engine
