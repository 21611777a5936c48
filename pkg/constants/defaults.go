// Package constants defines cross-cutting defaults and wire encodings shared
// across the query builder, scheduler, and vendor service.
package constants

import "time"

// Query parameter bounds and defaults
const (
	// Minimum number of mirrors (k) a query can be split across
	MinMirrorCount = 2

	// Minimum and default redundancy (r) for chunked modes
	MinRedundancy     = 2
	DefaultRedundancy = 2

	// Seed size in bytes (ChaCha20 key), see pkg/prng
	SeedSize = 32
)

// Timing configuration
const (
	// Per-mirror request timeout before a worker treats the connection as lost
	MirrorRequestTimeout = 30 * time.Second

	// Dial timeout for establishing a mirror connection
	MirrorDialTimeout = 10 * time.Second

	// Mirror-list advertisement TTL held by the vendor service
	MirrorAdvertiseTTL = 10 * time.Minute

	// Expiry sweep interval; nothing reads it, since the vendor service
	// drops stale mirror records whenever the mirror list is read
	MirrorExpirySweep = 1 * time.Minute
)

// Protocol configuration
const (
	// Wire protocol version; the session framing carries only a payload
	// length, so this value is not sent on the wire
	ProtocolVersion = 1

	// Default vendor port, matching the reference manifest tooling
	DefaultVendorPort = 62293

	// Default mirror (requestor-facing) port
	DefaultMirrorPort = 62294

	// Default port for the optional QUIC sidecar transport
	DefaultQUICPort = 62295

	// Default hash algorithm name used by newly created manifests
	DefaultHashAlgorithm = "sha256-raw"

	// Alternative, stronger hash algorithm a manifest may select
	Blake3HashAlgorithm = "blake3-256"

	// Maximum accepted size, in bytes, of a single MIRRORADVERTISE payload
	MaxMirrorAdvertiseSize = 10240
)

// MirrorQuery request types, per the wire byte-0 tag fixed by §6:
// 0 plain | 1 seeded | 2 seeded-parallel | 3 chunked (no RNG).
const (
	RequestPlain          = 0
	RequestSeeded         = 1
	RequestSeededParallel = 2
	RequestChunked        = 3
)

// RequestFlagBatch is bit 0 of the wire request's flags byte (§6): defer
// reply until all queued requests on the connection are computed.
const RequestFlagBatch = 1 << 0

// Error codes (§7)
const (
	ErrorManifestInvalid   = 1
	ErrorFileNotInManifest = 2
	ErrorParameterError    = 3
	ErrorMirrorUnavailable = 4
	ErrorProtocolError     = 5
	ErrorBlockHashMismatch = 6
	ErrorFileHashMismatch  = 7
	ErrorLengthMismatch    = 8
)
