package sqldata

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/syssam/guardrail"
)

// mapError translates driver-specific constraint violations into
// guardrail.ConstraintError so callers can detect them without importing
// driver packages. Other errors pass through unchanged.
func (s *Source) mapError(err error) error {
	if err == nil {
		return nil
	}
	switch s.dialect {
	case MySQL:
		var me *mysql.MySQLError
		if errors.As(err, &me) {
			switch me.Number {
			case 1062, 1048, 1451, 1452, 3819:
				return guardrail.NewConstraintError(me.Message, err)
			}
		}
	case Postgres:
		var pe *pq.Error
		if errors.As(err, &pe) && strings.HasPrefix(string(pe.Code), "23") {
			return guardrail.NewConstraintError(pe.Message, err)
		}
	case SQLite:
		if strings.Contains(err.Error(), "constraint") {
			return guardrail.NewConstraintError(err.Error(), err)
		}
	}
	return err
}
