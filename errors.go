package hypercore

import (
	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/encoding"
)

// The core reports failures through a single set of error types,
// matched with errors.As.
type (
	// BadArgumentError reports a caller supplied value outside its
	// domain, such as an index beyond the head.
	BadArgumentError = common.BadArgumentError
	// InvalidSignatureError reports a failed Ed25519 verification.
	InvalidSignatureError = common.InvalidSignatureError
	// InvalidChecksumError reports a Blake2b or crc32 mismatch.
	InvalidChecksumError = common.InvalidChecksumError
	// NotWritableError reports a mutation on a log with no secret key.
	NotWritableError = common.NotWritableError
	// InvalidOperationError reports a broken internal invariant.
	InvalidOperationError = common.InvalidOperationError
	// CorruptStorageError reports inconsistent store bytes on open.
	CorruptStorageError = common.CorruptStorageError
	// IOError wraps an error from the storage collaborator.
	IOError = common.IOError
	// EncodingError reports a compact-encoding decode failure.
	EncodingError = encoding.Error
)
