package mqtt

// Topic layout under the configured prefix:
//
//	{prefix}/{device}/{sensorType}/measurements   telemetry readings
//	{prefix}/{device}/alerts                      alerts of one device
//	{prefix}/gateway/connect                      device came online
//	{prefix}/gateway/disconnect                   device went offline
//	{prefix}/gateway/attributes                   gateway and device inventory
//	{prefix}/gateway/status                       bridge availability (retained, LWT)

func measurementTopic(prefix, device, sensorType string) string {
	return prefix + "/" + device + "/" + sensorType + "/measurements"
}

func alertTopic(prefix, device string) string {
	return prefix + "/" + device + "/alerts"
}

func connectTopic(prefix string) string {
	return prefix + "/gateway/connect"
}

func disconnectTopic(prefix string) string {
	return prefix + "/gateway/disconnect"
}

func attributesTopic(prefix string) string {
	return prefix + "/gateway/attributes"
}

func statusTopic(prefix string) string {
	return prefix + "/gateway/status"
}
