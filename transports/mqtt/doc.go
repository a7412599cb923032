// Package mqtt implements messaging.Transport over MQTT 5.0 using the
// Eclipse paho client.
//
// The transport's delivery options map directly onto protocol features: QoS
// tiers are MQTT QoS 0/1/2, retained announcements use the retain flag,
// validity windows use the message-expiry property, last wills use the
// connect will message, and response topics plus correlation IDs travel as
// the v5 response-topic and correlation-data publish properties.
package mqtt
