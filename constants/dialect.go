package constants

// PopularDelimiter is tried when automatic dialect detection fails.
const PopularDelimiter = ';'

// PopularDelimiterMinFields is the number of fields the probe must split into
// on PopularDelimiter for it to be selected.
const PopularDelimiterMinFields = 5

// Probe sizes for detection. Detection never reads past these prefixes.
const (
	DefaultEncodingProbeBytes = 64 << 10
	DefaultDialectProbeBytes  = 4096
)

// DefaultStatusTTLSeconds is the lifetime of a status record after each write.
const DefaultStatusTTLSeconds = 60

// DefaultFetchChunkSize is the read size used when streaming a source download.
const DefaultFetchChunkSize = 32 << 10
