package engine

import "time"

// CatalogEntry describes how a resource type is provisioned on one provider.
type CatalogEntry struct {
	// TerraformType is the Terraform resource type used by the terraform executor.
	TerraformType string

	// Duration is the estimated provisioning time.
	Duration time.Duration

	// MonthlyCost is the estimated monthly cost in USD.
	MonthlyCost float64
}

type catalogKey struct {
	Type     ResourceType
	Provider Provider
}

// Catalog is a static (resource type, provider) lookup table.
type Catalog struct {
	entries map[catalogKey]CatalogEntry
}

// Lookup returns the entry for the pair, or false if the pair is not supported.
func (c *Catalog) Lookup(t ResourceType, p Provider) (CatalogEntry, bool) {
	e, ok := c.entries[catalogKey{Type: t, Provider: p}]
	return e, ok
}

// Supports reports whether the pair is recognized.
func (c *Catalog) Supports(t ResourceType, p Provider) bool {
	_, ok := c.entries[catalogKey{Type: t, Provider: p}]
	return ok
}

func entry(tf string, seconds int, cost float64) CatalogEntry {
	return CatalogEntry{TerraformType: tf, Duration: time.Duration(seconds) * time.Second, MonthlyCost: cost}
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{entries: map[catalogKey]CatalogEntry{
		{ResourceCompute, ProviderAWS}:      entry("aws_instance", 60, 50),
		{ResourceStorage, ProviderAWS}:      entry("aws_s3_bucket", 15, 10),
		{ResourceDatabase, ProviderAWS}:     entry("aws_db_instance", 120, 75),
		{ResourceNetwork, ProviderAWS}:      entry("aws_vpc", 30, 5),
		{ResourceContainer, ProviderAWS}:    entry("aws_ecs_service", 90, 100),
		{ResourceServerless, ProviderAWS}:   entry("aws_lambda_function", 30, 20),
		{ResourceLoadBalancer, ProviderAWS}: entry("aws_lb", 45, 25),
		{ResourceCache, ProviderAWS}:        entry("aws_elasticache_cluster", 60, 40),
		{ResourceQueue, ProviderAWS}:        entry("aws_sqs_queue", 15, 15),
		{ResourceDNS, ProviderAWS}:          entry("aws_route53_zone", 20, 2),
		{ResourceCDN, ProviderAWS}:          entry("aws_cloudfront_distribution", 120, 30),

		{ResourceCompute, ProviderAzure}:      entry("azurerm_linux_virtual_machine", 75, 47.5),
		{ResourceStorage, ProviderAzure}:      entry("azurerm_storage_account", 20, 9.5),
		{ResourceDatabase, ProviderAzure}:     entry("azurerm_postgresql_flexible_server", 150, 71.25),
		{ResourceNetwork, ProviderAzure}:      entry("azurerm_virtual_network", 40, 4.75),
		{ResourceContainer, ProviderAzure}:    entry("azurerm_container_group", 110, 95),
		{ResourceLoadBalancer, ProviderAzure}: entry("azurerm_lb", 55, 23.75),
		{ResourceCache, ProviderAzure}:        entry("azurerm_redis_cache", 75, 38),

		{ResourceCompute, ProviderGCP}:    entry("google_compute_instance", 65, 45),
		{ResourceStorage, ProviderGCP}:    entry("google_storage_bucket", 15, 9),
		{ResourceDatabase, ProviderGCP}:   entry("google_sql_database_instance", 130, 67.5),
		{ResourceNetwork, ProviderGCP}:    entry("google_compute_network", 35, 4.5),
		{ResourceContainer, ProviderGCP}:  entry("google_cloud_run_v2_service", 100, 90),
		{ResourceServerless, ProviderGCP}: entry("google_cloudfunctions2_function", 35, 18),
		{ResourceQueue, ProviderGCP}:      entry("google_pubsub_topic", 15, 13.5),
		{ResourceDNS, ProviderGCP}:        entry("google_dns_managed_zone", 20, 1.8),
	}}
}

// resourcePriority is the provisioning order used for synthesized default steps.
var resourcePriority = map[ResourceType]int{
	ResourceNetwork:      1,
	ResourceDNS:          2,
	ResourceStorage:      3,
	ResourceDatabase:     4,
	ResourceCache:        5,
	ResourceQueue:        6,
	ResourceCompute:      7,
	ResourceContainer:    8,
	ResourceServerless:   9,
	ResourceLoadBalancer: 10,
	ResourceCDN:          11,
}

// dependencyRules lists, per resource type, the types it must be provisioned after.
// Rules only link resources of the same provider and region within one plan.
var dependencyRules = map[ResourceType][]ResourceType{
	ResourceCompute:      {ResourceNetwork},
	ResourceDatabase:     {ResourceNetwork, ResourceStorage},
	ResourceCache:        {ResourceNetwork},
	ResourceContainer:    {ResourceCompute},
	ResourceServerless:   {ResourceStorage},
	ResourceLoadBalancer: {ResourceCompute, ResourceContainer},
	ResourceCDN:          {ResourceStorage, ResourceLoadBalancer},
	ResourceDNS:          {ResourceLoadBalancer, ResourceCDN},
}
