// Package channels provides the typed event channels of the collection
// pipeline.
//
// Producers send without blocking and drop the event when the buffer is
// full:
//
//	select {
//	case events.CycleCompleted <- CycleCompletedEvent{...}:
//	default:
//	}
//
// Consumers range over a channel until it is closed or Done fires:
//
//	for {
//	    select {
//	    case event, ok := <-events.CycleCompleted:
//	    case <-events.Done():
//	    }
//	}
package channels
