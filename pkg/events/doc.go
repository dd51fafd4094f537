/*
Package events provides an in-memory pub/sub broker for node-local runtime
events: health transitions, quota bans and unbans, and Raft membership
changes.

# Architecture

A single Broker runs one broadcast goroutine reading off a buffered intake
channel and fanning each event out to every subscriber's own buffered
channel:

	Publish(event) -> eventCh (buffer 100) -> broadcast loop -> each Subscriber (buffer 50)

Publish never blocks on a subscriber: a subscriber whose buffer is full
simply misses that event. This is deliberate — the broker backs a live
operator view (runtime.RuntimeStore.SetBroker, apiserver's SSE stream), not
a durable log. service_runtime.json, not the broker, is the record of
truth; a client that needs the full picture calls Snapshot or
/admin/_internal/nodes/runtime/local and treats the stream as a delta feed
on top of it.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for event := range sub {
			log.Printf("%s: %s", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventQuotaBanned,
		Message:  "quota exceeded, banning",
		Metadata: map[string]string{"grant_id": grantID},
	})

# Producers and consumers

  - usage.RuntimeStore publishes EventHealthRecovered/EventHealthDegraded
    from its existing probe-transition and restart bookkeeping.
  - quota.Engine publishes EventQuotaBanned/EventQuotaUnbanned from its tick
    loop, alongside the OpSetGrantEnabled proposal it already sends to Raft.
  - apiserver's runtime stream handler is the one subscriber today, pushing
    a fresh snapshot to each connected SSE client as events arrive instead
    of polling on a fixed interval.

Both producers treat the broker as optional: a nil *Broker (the zero value
of an unset field) is a valid no-op, so a node can run without ever
constructing one.
*/
package events
