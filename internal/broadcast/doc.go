// Package broadcast fans gateway events out to subscribers.
//
// There is one global topic, which sees every device event, one observer
// topic per device, and one delivery topic per device that carries commands
// pushed to the device's own live connection.
//
// Delivery never blocks the publisher: each subscription has a buffered
// channel, and an event for a subscriber whose buffer is full is dropped for
// that subscriber only. Drops are counted and logged.
//
//	sub := b.Subscribe(broadcast.GlobalTopic)
//	defer sub.Close()
//	for ev := range sub.C() {
//	    ...
//	}
package broadcast
