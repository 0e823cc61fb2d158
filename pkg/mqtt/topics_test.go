package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"modbus-edge-gateway/pkg/config"
	"modbus-edge-gateway/pkg/events"
	"modbus-edge-gateway/pkg/logger"
	"modbus-edge-gateway/pkg/normalize"
	"modbus-edge-gateway/pkg/storage"
)

func init() {
	logger.Init(&logger.LoggingConfig{Level: logger.LogLevelError})
}

func TestTopicLayout(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{measurementTopic("sensors", "Sensor_Unit2", "tilt"), "sensors/Sensor_Unit2/tilt/measurements"},
		{alertTopic("sensors", "Sensor_Unit2"), "sensors/Sensor_Unit2/alerts"},
		{connectTopic("sensors"), "sensors/gateway/connect"},
		{disconnectTopic("sensors"), "sensors/gateway/disconnect"},
		{attributesTopic("sensors"), "sensors/gateway/attributes"},
		{statusTopic("sensors"), "sensors/gateway/status"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("Expected %s, got %s", c.want, c.got)
		}
	}
}

func testBridge(queueSize int) *Bridge {
	return &Bridge{
		cfg:   &config.MQTTConfig{TopicPrefix: "sensors", QoS: 1},
		queue: make(chan message, queueSize),
	}
}

func drain(b *Bridge) []message {
	var out []message
	for {
		select {
		case m := <-b.queue:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestTelemetryEventFansOutPerSensorType(t *testing.T) {
	b := testBridge(16)

	sample := &normalize.Sample{
		UnitID:    2,
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Measurements: []normalize.Measurement{
			{SensorID: "UNIT_2_TILT_X", Type: normalize.TypeTilt, Value: 1.23, Unit: "deg", Quality: "OK"},
			{SensorID: "UNIT_2_TEMP", Type: normalize.TypeTemperature, Value: 21.5, Unit: "C", Quality: "OK"},
		},
	}
	b.handleEvent(events.Event{Type: events.TypeTelemetry, Payload: sample})

	msgs := drain(b)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != "sensors/Sensor_Unit2/tilt/measurements" {
		t.Errorf("Wrong topic: %s", msgs[0].topic)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["sensor_id"] != "UNIT_2_TILT_X" || body["value"] != 1.23 || body["quality"] != "OK" {
		t.Errorf("Payload mismatch: %v", body)
	}
	if body["device_id"] != "Sensor_Unit2" || body["sensor_type"] != "tilt" {
		t.Errorf("Identity fields mismatch: %v", body)
	}
	if body["timestamp"] != "2026-08-24T12:00:00Z" {
		t.Errorf("Timestamp mismatch: %v", body["timestamp"])
	}
}

func TestLifecycleEventsUseGatewayTopics(t *testing.T) {
	b := testBridge(16)

	b.handleEvent(events.Event{Type: events.TypeDeviceOnline, Payload: map[string]interface{}{"unit_id": 2}})
	b.handleEvent(events.Event{Type: events.TypeDeviceOffline, Payload: map[string]interface{}{"unit_id": 16}})

	msgs := drain(b)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != "sensors/gateway/connect" || string(msgs[0].payload) != `{"device":"Sensor_Unit2"}` {
		t.Errorf("Wrong connect message: %s %s", msgs[0].topic, msgs[0].payload)
	}
	if msgs[1].topic != "sensors/gateway/disconnect" || string(msgs[1].payload) != `{"device":"Sensor_Unit16"}` {
		t.Errorf("Wrong disconnect message: %s %s", msgs[1].topic, msgs[1].payload)
	}
}

func TestAlertEventTargetsDeviceAlertTopic(t *testing.T) {
	b := testBridge(16)

	v, th := 6.2, 5.0
	b.handleEvent(events.Event{Type: events.TypeNewAlert, Payload: &storage.Alert{
		ID: "a1", Level: storage.AlertLevelAlarm, Code: storage.AlertThresholdHi,
		SensorID: "UNIT_2_TILT_X", UnitID: 2, Value: &v, Threshold: &th,
	}})

	msgs := drain(b)
	if len(msgs) != 1 || msgs[0].topic != "sensors/Sensor_Unit2/alerts" {
		t.Fatalf("Expected one alert message, got %v", msgs)
	}
	var alert storage.Alert
	if err := json.Unmarshal(msgs[0].payload, &alert); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if alert.Code != storage.AlertThresholdHi || *alert.Value != 6.2 {
		t.Errorf("Alert payload mismatch: %+v", alert)
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	b := testBridge(2)

	for i := 0; i < 4; i++ {
		b.enqueue(message{topic: "t", payload: []byte{byte(i)}})
	}

	msgs := drain(b)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 queued messages, got %d", len(msgs))
	}
	if msgs[0].payload[0] != 2 || msgs[1].payload[0] != 3 {
		t.Errorf("Expected the newest messages to survive, got %d and %d", msgs[0].payload[0], msgs[1].payload[0])
	}
}

func TestMalformedPayloadsAreIgnored(t *testing.T) {
	b := testBridge(4)

	b.handleEvent(events.Event{Type: events.TypeTelemetry, Payload: "not a sample"})
	b.handleEvent(events.Event{Type: events.TypeDeviceOnline, Payload: 42})

	if msgs := drain(b); len(msgs) != 0 {
		t.Errorf("Expected no messages for malformed payloads, got %d", len(msgs))
	}
}
