/*
Package events provides an in-process publish/subscribe broker for record
transitions, rule changes, alarms and sweep results.

Publishers never block. Events are queued on a bounded channel and fanned
out by a single goroutine to every subscriber; a subscriber whose buffer is
full misses the event. The broker is an observation channel only. Nothing
that must not be lost travels through it: alarms are durable in the store's
outbox before they are published here.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["record_key"])
	}
*/
package events
