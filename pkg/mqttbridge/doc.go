// Package mqttbridge exposes device sessions over MQTT.
//
// For every watched device the bridge publishes a retained state document
// and, while a pair request is pending, a retained prompt document. Commands
// published to the device's command topic drive pairing:
//
//	kclink/device/{id}/state    retained, State JSON
//	kclink/device/{id}/prompt   retained, Prompt JSON, cleared when withdrawn
//	kclink/device/{id}/command  {"action":"pair|unpair|accept|reject"}
//	kclink/status               retained, "online" / "offline" (last will)
//
// Publishing happens on a bridge goroutine, so device loops never wait on
// the broker.
package mqttbridge
