package mqtt

// maxPayloadSize caps outbound payloads. Tydom snapshots stay far below it;
// anything larger points at a runaway attribute map.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement
// required by qos. Topics must be concrete: wildcards are rejected.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validateTopicName(topic); err != nil {
		return opError("publish", topic, ErrInvalidTopic, err)
	}
	if qos > maxQoS {
		return opError("publish", topic, ErrInvalidQoS, nil)
	}
	if len(payload) > maxPayloadSize {
		return opError("publish", topic, ErrPayloadTooLarge, nil)
	}
	if !c.IsConnected() {
		return opError("publish", topic, ErrNotConnected, nil)
	}

	if err := await(c.paho.Publish(topic, qos, retained, payload), defaultPublishTimeout); err != nil {
		return opError("publish", topic, ErrPublishFailed, err)
	}
	return nil
}
