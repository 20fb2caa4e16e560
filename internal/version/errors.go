package version

import (
	"fmt"

	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// Condition codes
// ───────────────────────────────────────────────────────────────────────────
//
// Every failure surfaced by the store is one of the sentinel errors below,
// usually wrapped with file and block context. Callers test with errors.Is;
// the only error the read path recovers from locally is ErrBadDataPage
// (multiplex failover).

var (
	// ErrBadDataPage means a structural check failed while reading a block.
	ErrBadDataPage = errors.New("bad data page")

	// ErrStorageFull means an allocation would exceed the configured
	// maximum file size.
	ErrStorageFull = errors.New("storage full")

	// ErrVerifyAborted means an integrity check reached a state it could
	// not continue from.
	ErrVerifyAborted = errors.New("verification aborted")

	// ErrCancelled reports cooperative cancellation of a long operation.
	ErrCancelled = errors.New("cancelled")

	// ErrBadArgument reports interface misuse.
	ErrBadArgument = errors.New("bad argument")
)

// PreservedDifferentPageError reports that a version block's embedded page id
// disagrees with the id under which it was reached. Fatal for the enclosing
// operation.
type PreservedDifferentPageError struct {
	Path     string
	Expected PageID
	Found    PageID
}

func (e *PreservedDifferentPageError) Error() string {
	return fmt.Sprintf("%s: version block preserves page %d, reached as page %d",
		e.Path, e.Found, e.Expected)
}

// InconsistencyKind names one finding class of the integrity checker.
type InconsistencyKind int

const (
	BlockCountInconsistent InconsistencyKind = iota
	PageCountInconsistent
	AllocationBitInconsistent
	ChildCountInconsistent
	LatestCountInconsistent
	OlderTimeStampInconsistent
	OldestTimeStampInconsistent
	OlderNotIdentical
	PhysicalLogIDInconsistent
	VersionLogIDInconsistent
	PreservedPageInconsistent
)

func (k InconsistencyKind) String() string {
	switch k {
	case BlockCountInconsistent:
		return "BlockCountInconsistent"
	case PageCountInconsistent:
		return "PageCountInconsistent"
	case AllocationBitInconsistent:
		return "AllocationBitInconsistent"
	case ChildCountInconsistent:
		return "ChildCountInconsistent"
	case LatestCountInconsistent:
		return "LatestCountInconsistent"
	case OlderTimeStampInconsistent:
		return "OlderTimeStampInconsistent"
	case OldestTimeStampInconsistent:
		return "OldestTimeStampInconsistent"
	case OlderNotIdentical:
		return "OlderNotIdentical"
	case PhysicalLogIDInconsistent:
		return "PhysicalLogIDInconsistent"
	case VersionLogIDInconsistent:
		return "VersionLogIDInconsistent"
	case PreservedPageInconsistent:
		return "PreservedPageInconsistent"
	default:
		return fmt.Sprintf("InconsistencyKind(%d)", int(k))
	}
}
