// Package cmd provides the ledger-router commands.
//
// # Commands
//
// shard: Serves existence queries for one block range of the ledger over
// attested, encrypted channels. Ingests blocks from a newline-delimited JSON
// file and reports NotReady until caught up.
//
//	go run ./cmd/shard --uri=http://localhost:8081 --addr=:8081 --blocks=blocks.ndjson
//	go run ./cmd/shard --config=shard.yaml
//
// router: Untrusted fan-out in front of the shards. Relays client
// handshakes, forwards encrypted sub-requests to every registered shard and
// returns one outcome per shard. Registrations persist in Postgres when
// configured.
//
//	go run ./cmd/router --addr=:8080 --shard=http://localhost:8081 --admin-token=admin:secret
//	go run ./cmd/router --config=router.yaml
//
// ledger-client: Authenticates to every shard through the router, submits
// a lookup and prints the merged result, or serves a local lookup API.
//
//	go run ./cmd/ledger-client --router=http://localhost:8080 --keys=<hex>
//	go run ./cmd/ledger-client --router=http://localhost:8080 --serve=:8090
//
// # Registering shards
//
// A shard publishes signed, attested registration data at
// /registration-data. The administrator posts it to the router:
//
//	curl -s http://localhost:8081/registration-data |
//	    curl -u admin:secret -X POST -d @- http://localhost:8080/admin/shards
//
// # Configuration
//
// All commands support YAML configuration files via the --config flag and
// read a .env file (--env) for secrets such as ADMIN_TOKEN, SIGNING_KEY and
// POSTGRES_PASSWORD. Command-line flags override config file values.
//
// Example shard config:
//
//	uri: "http://shard-0:8081"
//	range:
//	  start_block: 0
//	  end_block: 100000
//	min_ready_blocks: 1
//	blocks_file: "blocks.ndjson"
//	server:
//	  http_addr: ":8081"
//	  metrics_addr: ":9091"
//	attestation:
//	  enabled: true
//
// Every router and shard exposes /livez, /readyz, /drain and /undrain, and
// Prometheus metrics on its metrics address.
package cmd
