/*
Package api implements the crrmon HTTP API.

The server exposes the daemon's operational endpoints next to a small JSON
API for feeding events and managing rules:

	GET  /health              overall health of registered components
	GET  /ready               readiness: store reachable and critical components up
	GET  /live                liveness
	GET  /metrics             Prometheus metrics
	GET  /v1/rules            current rule table
	POST /v1/rules            register or update a rule
	DELETE /v1/rules/{id}     remove a rule; existing records keep their deadline
	POST /v1/events           submit raw replication events
	GET  /v1/records          list records (status, source, limit, cursor)
	GET  /v1/records/{key}    one record by bucket/key@version
	GET  /v1/status           record counts per status and rule table version

POST /v1/events accepts a single event object, a JSON array of events, or
newline-delimited events. Invalid events are reported per index in the
response and do not fail the rest of the batch.

Every request goes through Instrument, which counts requests and observes
latency by route pattern. When the server is configured read-only,
ReadOnly rejects POST and DELETE requests with 403. With a write rate configured,
RateLimiter answers writes over each client's token bucket with 429 and a
Retry-After header.
*/
package api
