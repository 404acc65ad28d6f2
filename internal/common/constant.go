package common

// HostKeyHeaderName is the gRPC metadata key / HTTP header carrying the
// session host key on sync requests.
const HostKeyHeaderName = "x-host-key"

// Metadata keys naming the dispatched operation on the gRPC transport.
const (
	DomainHeaderName    = "x-sync-domain"
	OperationHeaderName = "x-sync-operation"
)

// SyncProtocolVersion is the protocol version reported by the meta operation.
const SyncProtocolVersion = 10
