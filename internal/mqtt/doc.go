// Package mqtt relays steward's event bus to an MQTT broker so that
// dashboards and home automation can follow scheduled conversations.
//
// Topics, under the configured prefix (default "steward"):
//
//	<prefix>/availability                 online/offline, retained, with a will
//	<prefix>/status                       JSON status, retained, refreshed every minute
//	<prefix>/sessions/<id>/turns          every transcript turn
//	<prefix>/sessions/<id>/scheduled      each scheduled message and its reply (QoS 1)
//	<prefix>/events/<source>/<kind>       all other bus events
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically and republishes the birth message on
// every connect.
package mqtt
