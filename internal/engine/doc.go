// Package engine implements the eventific runtime: the System handle.
//
// A System binds a store.Store to one service name and is the single value
// applications, components and notification senders work with.
//
// LIFECYCLE:
//
//  1. New creates the handle; Use and RegisterSender attach extensions
//  2. Start initializes the store, then senders, then components
//  3. Append, reads and Subscribe serve the application
//  4. Close stops components in reverse order, ends notification delivery
//     and closes the store
//
// WRITE PATH:
//
// Append hands the batch to the store. Only when the store reports Success
// is the id of every aggregate in the batch published, once each, in the
// order the aggregates first appear. A failed or empty append publishes
// nothing.
//
// NOTIFICATIONS:
//
// Every sender owns a bounded receiver. Publishing never waits for a slow
// sender; a sender that falls behind loses the oldest notifications and is
// told how many (see notify.LaggedError), after which it is expected to
// resynchronize from the store.
//
// FAULTS:
//
// When the store reports a connection fault (store.FaultReporter), the
// configured fault handler is called once. The store does not reconnect;
// later calls fail with errors wrapping store.ErrFaulted.
package engine
