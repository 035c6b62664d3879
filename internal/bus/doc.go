// Package bus implements the publish/subscribe core: a process-wide
// registry of per-tenant broadcast channels. Publishers push validated
// envelopes into a tenant's channel; collect-progress envelopes are
// folded through the per-task merger first, then every attached session
// receives the encoded envelope in publish order. Channels are created
// on demand and swept away once idle past a grace period.
//
// All shared state is partitioned per tenant: activity on one tenant
// never contends with another, and a slow subscriber stalls only its
// own bounded queue, never the publish path.
package bus
