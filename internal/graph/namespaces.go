package graph

// Namespaces within the persistent instance's store. Gossip consumers
// subscribe to these prefixes; writers publish under them.
const (
	// ReputationPrefix holds one published ReputationRecord per host.
	ReputationPrefix = "/network/reputation"
	// PinRequestPrefix is the append-only pin request log, keyed by request ID.
	PinRequestPrefix = "/network/replication/requests"
	// PinResponsePrefix holds pin responses keyed by request ID and responder.
	PinResponsePrefix = "/network/replication/responses"
	// DealPrefix roots the off-chain deal mirror and its indexes.
	DealPrefix = "/deals"
)

// ReputationKey returns the record key for a host.
func ReputationKey(host string) string {
	return ReputationPrefix + "/" + host
}

// PinRequestKey returns the log key for a pin request.
func PinRequestKey(requestID string) string {
	return PinRequestPrefix + "/" + requestID
}

// PinResponseKey returns the key for one responder's answer to a request.
func PinResponseKey(requestID, responder string) string {
	return PinResponsePrefix + "/" + requestID + "/" + responder
}
