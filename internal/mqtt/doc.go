// Package mqtt mirrors hub state changes to an MQTT broker. Each
// forwarded change is published retained to
// <prefix>/<domain>/<object_id>/state and, as JSON, to
// <prefix>/<domain>/<object_id>/attributes, so a late subscriber sees
// the last known state of every mirrored entity.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to <prefix>/availability. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
