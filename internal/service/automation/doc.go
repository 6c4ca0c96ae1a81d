// Package automation invokes external automation hooks (PTZ presets,
// signage, radio) requested by rules. Hooks are fire-and-forget commands
// published to an MQTT topic per hook and command; devices act on them out
// of band.
package automation
