package config

// intentSchema constrains intent files written in CUE. Definitions are
// closed, so a misspelled field is an error rather than silently dropped.
const intentSchema = `
#Provider: "aws" | "azure" | "gcp"

#ResourceType: "compute" | "storage" | "database" | "network" | "container" |
	"serverless" | "load_balancer" | "dns" | "cdn" | "queue" | "cache"

#Resource: {
	type:     #ResourceType
	provider: #Provider
	region:   string & !=""
	name:     string & !=""

	// Properties are flat provider arguments.
	properties?: {[string]: string | number | bool}

	tags?: {[string]: string}
}

#Intent: {
	name:          string & !=""
	description?:  string
	tenant_id?:    string
	initiated_by?: string

	target_providers: [#Provider, ...#Provider]
	target_regions: [string, ...string]

	// Without resources the planner synthesizes a network and a compute
	// resource per target provider.
	resources?: [...#Resource]

	strategy?:            "rolling" | "blue_green" | "canary"
	environment?:         "dev" | "staging" | "production"
	auto_approve?:        bool
	rollback_on_failure?: bool
	parameters?: {...}
}
`
