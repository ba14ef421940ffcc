// Package mqtt publishes quarry's running totals to an MQTT broker as
// Home Assistant discovery sensors: spend and tokens for the current
// UTC day, answered queries, cache hits, active sessions, and provider
// health. It uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect the
// publisher sends retained discovery payloads and an "online" birth
// message; a will message flips availability to "offline" on an
// unexpected disconnect.
package mqtt
