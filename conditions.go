package craftdb

import "github.com/pocketbase/dbx"

// NotDeleted matches rows that have not been soft-deleted.
func NotDeleted() dbx.Expression {
	return dbx.HashExp{ColumnDateDeleted: nil}
}

// OnlyDeleted matches soft-deleted rows.
func OnlyDeleted() dbx.Expression {
	return dbx.Not(dbx.HashExp{ColumnDateDeleted: nil})
}

// Eq builds an equality condition; a nil value becomes IS NULL.
func Eq(column string, value any) dbx.Expression {
	return dbx.HashExp{column: value}
}

// And joins conditions with AND, skipping nil entries.
func And(exps ...dbx.Expression) dbx.Expression {
	return combine(dbx.And, exps)
}

// Or joins conditions with OR, skipping nil entries.
func Or(exps ...dbx.Expression) dbx.Expression {
	return combine(dbx.Or, exps)
}

func combine(join func(...dbx.Expression) dbx.Expression, exps []dbx.Expression) dbx.Expression {
	clean := make([]dbx.Expression, 0, len(exps))
	for _, e := range exps {
		if e != nil {
			clean = append(clean, e)
		}
	}

	switch len(clean) {
	case 0:
		return nil
	case 1:
		return clean[0]
	default:
		return join(clean...)
	}
}
