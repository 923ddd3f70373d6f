package types

type SyncState string

const (
	SyncStateIdle             SyncState = "idle"
	SyncStateFetchingRelease  SyncState = "fetching-release"
	SyncStateFetchingPackages SyncState = "fetching-packages"
	SyncStateDecompressing    SyncState = "decompressing"
	SyncStateParsing          SyncState = "parsing"
	SyncStateCommitted        SyncState = "committed"
	SyncStateErrored          SyncState = "errored"
)

// Terminal reports whether no further transition can happen in this sync.
func (s SyncState) Terminal() bool {
	return s == SyncStateCommitted || s == SyncStateErrored
}

type FailureKind string

const (
	FailureNone                 FailureKind = ""
	FailureNetwork              FailureKind = "network-failure"
	FailureTimeout              FailureKind = "timeout"
	FailureNoPackagesFile       FailureKind = "no-packages-file-found"
	FailureMalformedMetadata    FailureKind = "malformed-metadata"
	FailureMalformedStanza      FailureKind = "malformed-stanza"
	FailureHashMismatch         FailureKind = "hash-mismatch"
	FailureDecompression        FailureKind = "decompression-failure"
	FailureCorruptArchive       FailureKind = "corrupt-archive"
	FailureUnsupportedExtension FailureKind = "unsupported-extension"
	FailureSignature            FailureKind = "signature-failure"
	FailureInconsistentCache    FailureKind = "inconsistent-cache"
	FailureCancelled            FailureKind = "cancelled"
)

type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
)

type FetchStatus string

const (
	FetchStatusFetched     FetchStatus = "fetched"
	FetchStatusNotModified FetchStatus = "not-modified"
	FetchStatusNotFound    FetchStatus = "not-found"
)

type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA512 HashAlgorithm = "sha512"
)

// HashAlgorithms lists the Release integrity fields understood by the sync,
// weakest first.
var HashAlgorithms = []HashAlgorithm{HashSHA256, HashSHA512}
