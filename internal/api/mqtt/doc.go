// Package mqtt connects overwatch to an MQTT broker: sensors publish JSON
// events that are submitted through the pipeline, and automation hooks
// publish device commands back.
package mqtt
