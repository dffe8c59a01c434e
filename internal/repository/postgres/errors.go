package repository

import (
	"errors"

	"github.com/lib/pq"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
)

const (
	codeUniqueViolation     = "23505"
	codeSerializationFailed = "40001"
	codeDeadlockDetected    = "40P01"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == codeUniqueViolation
}

// mapTxError converts contention-class Postgres errors to ErrConflict so the
// calling layer can retry the whole operation once. Everything else passes
// through wrapped.
func mapTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeSerializationFailed, codeDeadlockDetected:
			return pkgerrors.ErrConflict
		}
	}
	return err
}
