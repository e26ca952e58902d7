/*
Package api is the broker's client-facing transport.

Clients connect to /ws over websocket, authenticated by the session
token, and speak a small JSON protocol: requests carry {id, method,
params} and receive exactly one {id, result|error} reply; broker-initiated
notifications arrive as {method, params} with no id. Replies and
notifications share the socket and are serialized by a per-connection
write lock.

Prometheus metrics are served on /metrics and a JSON health snapshot on
/healthz; neither requires the token.
*/
package api
