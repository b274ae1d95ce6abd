/*
Package events provides an in-memory broker for apply and teardown progress.

The deployer publishes one Event per step (network created, service started,
service skipped and so on); the CLI subscribes to print progress as it
happens. Publishing never blocks on a slow subscriber: each subscriber has a
buffered channel and events that do not fit are dropped for that subscriber.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Service, ev.Message)
		}
	}()
	// ... apply ...
	broker.Stop() // delivers queued events, then closes sub
*/
package events
