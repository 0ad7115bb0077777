// Package mqtt provides MQTT client connectivity for Locker Core.
//
// This package manages:
//   - Connection to the site broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Locker Core uses MQTT as the outbound integration bus: retained
// per-locker state topics let kiosk front-ends and signage render the
// bank without polling the REST API, and the command topic lets remote
// systems enqueue work for the controller.
//
//	Kiosk UI / Signage / Monitoring ↔ MQTT Broker ↔ Locker Core
//
// MQTT is optional - the controller runs standalone when mqtt.enabled
// is false.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to remote command requests
//	err = client.Subscribe(mqtt.Topics{}.Command("gym-1"), 1,
//	    func(topic string, payload []byte) error {
//	        return enqueueFromWire(payload)
//	    })
//
//	// Publish retained locker state
//	topic := mqtt.Topics{}.LockerState("gym-1", 17)
//	client.PublishRetained(topic, stateJSON)
package mqtt
