// Package config loads process settings and deployment intents.
//
// # Settings
//
// Settings are read with the priority environment > file > defaults. The file
// is YAML with one section per component:
//
//	store:
//	  driver: postgres
//	  dsn: postgres://orchestrator@db/orchestrator
//	lock:
//	  driver: redis
//	  addr: redis:6379
//	events:
//	  driver: kafka
//	  brokers: [kafka-1:9092]
//	executor:
//	  driver: terraform
//	  work_dir: /var/lib/orchestrator/workspaces
//
// Every field can be overridden from the environment as
// ORCHESTRATOR_<SECTION>_<FIELD>, for example ORCHESTRATOR_STORE_DSN or
// ORCHESTRATOR_TELEMETRY_LOG_LEVEL. The merged result is checked with the
// validate tags of each section.
//
// # Intents
//
// LoadIntent accepts .cue, .yaml/.yml and .json files. CUE files are unified
// with a closed #Intent schema before decoding, so comprehensions and hidden
// helper fields can be used to generate resources:
//
//	_region: "us-east-1"
//
//	name:             "checkout"
//	target_providers: ["aws"]
//	target_regions:   [_region]
//
//	resources: [for n in ["web-1", "web-2"] {
//		type:     "compute"
//		provider: "aws"
//		region:   _region
//		name:     n
//	}]
//
// Errors are returned as *IntentError with file positions where the format
// provides them; it matches the engine's validation error code.
package config
