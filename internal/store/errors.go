package store

import (
	"strings"

	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// classifySQLError maps a raw database/sql error into the error
// taxonomy callers retry on: lock contention and pool exhaustion are
// Transient, everything else unclassified is Fatal since it likely
// indicates a schema or driver problem no retry will fix.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"), strings.Contains(msg, "too many connections"):
		return xerrors.Wrap(xerrors.KindTransient, "sqlite contention", err)
	default:
		return xerrors.Wrap(xerrors.KindFatal, "store operation failed", err)
	}
}
