// Package router keeps the local subscription registry and fans inbound
// messages out to subscriptions.
//
// Every Subscription owns a bounded delivery queue. With the default
// DropOldest policy a slow subscriber loses its oldest queued messages and
// the loss is counted on the subscription, in router Stats and in the
// streambus_messages_dropped_total metric; with Block the dispatcher waits.
//
// Deliver is called by the connection's dispatch goroutine with the queue
// group a message was delivered for. The transport already picked this
// connection for the group, so Deliver hands a group message to exactly one
// local member, round robin.
package router
