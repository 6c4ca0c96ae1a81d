// Package rule implements declarative automation rules.
//
// Rules are written in a small YAML DSL:
//
//	rule: perimeter_breach
//	priority: 5
//	when:
//	  all:
//	    - type == intrusion
//	    - payload.confidence >= 0.8
//	    - {field: site, op: in, value: [hq, depot]}
//	then:
//	  - alarm.create_or_update: {severity: major}
//	  - notify: {channels: ["email:ops@example.com", console], message: "{{type}} at {{site}}"}
//	  - automation:
//	      - ptz.preset: {camera: cam-1, preset: 3}
//	suppress:
//	  cooldown: 30s
//	  scope: correlation_key
//
// Parse compiles a document into a Rule and reports every structural problem
// as a RuleParseError. Evaluation is pure: it reads a Subject snapshot and
// never mutates it.
package rule
