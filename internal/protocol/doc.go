// Package protocol concerns itself primarily with DNS dispatch business logic. It decides, for
// each inbound query, whether to answer from the local authoritative store, forward the query
// upstream, or silently drop it because the requesting client is denylisted for the record type.
package protocol
