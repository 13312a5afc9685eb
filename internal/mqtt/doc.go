// Package mqtt relays chat client activity to an MQTT broker. Session
// availability is published retained to
// <prefix>/<clientId>/availability, with a will message so the topic
// reads "offline" after an unexpected disconnect. Workflow chat
// messages and finished answers are published as JSON to the
// messages and answers topics.
//
// The relay uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection, and reads everything it
// publishes from the client's event bus.
package mqtt
