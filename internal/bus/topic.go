package bus

import "strings"

const telemetrySuffix = "telemetry"

// Topic is the per-node telemetry topic: <namespace>/<node-id>/telemetry.
func Topic(namespace, nodeID string) string {
	return namespace + "/" + nodeID + "/" + telemetrySuffix
}

// Filter matches every node's telemetry topic under namespace.
func Filter(namespace string) string {
	return namespace + "/+/" + telemetrySuffix
}

// ParseTopic extracts the node id from a telemetry topic. Topics with a
// different shape or namespace are rejected.
func ParseTopic(namespace, topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != namespace || parts[2] != telemetrySuffix || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
