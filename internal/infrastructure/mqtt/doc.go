// Package mqtt provides MQTT client connectivity for the Tydom bridge.
//
// The client keeps a table of routes (topic filter to handler) and replays
// it whenever paho re-establishes the session. A retained status record
// with a last will tells consumers whether the bridge is up.
//
// # Architecture
//
// MQTT is the host-facing bus. The bridge publishes retained device state and
// discovery records and receives commands addressed by device unique id:
//
//	Tydom gateway ↔ bridge ↔ MQTT broker ↔ home automation host
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.Publish(client.Topics().State("1_100"), []byte(`{"position":50}`), 1, true)
package mqtt
