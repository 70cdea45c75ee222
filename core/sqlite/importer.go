package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/storage/record"
)

// ImportBatchRows is the number of rows committed per transaction.
const ImportBatchRows = 1000

// ImportStats describes a finished import.
type ImportStats struct {
	Table   string
	Columns []string
	Rows    int
	Batches int
}

// ImportTable copies every row of table into dst. Each row becomes one
// record: the key is the key column's value and the value is the whole row
// encoded as a tuple in column order. Integer keys use record.EncodeIntKey
// so they scan in numeric order; text and blob keys are stored as bytes.
//
// Rows are committed in batches of ImportBatchRows. A failure leaves the
// batches committed before it in place.
func ImportTable(ctx context.Context, src *sql.DB, table, keyColumn string, dst *db.DB) (ImportStats, error) {
	cols, err := Columns(ctx, src, table)
	if err != nil {
		return ImportStats{}, err
	}
	keyIdx := -1
	for i, c := range cols {
		if c == keyColumn {
			keyIdx = i
		}
	}
	if keyIdx < 0 {
		return ImportStats{}, jerrors.NewValidation("key column", fmt.Sprintf("table %s has no column %q", table, keyColumn))
	}

	rows, err := src.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return ImportStats{}, jerrors.Wrapf(err, "read %s", table)
	}
	defer rows.Close()

	st := ImportStats{Table: table, Columns: cols}
	var tx *db.Tx
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if tx == nil {
			if tx, err = dst.Begin(ctx, db.ReadWrite); err != nil {
				return st, err
			}
		}
		if err := rows.Scan(ptrs...); err != nil {
			return st, jerrors.Wrapf(err, "scan %s row %d", table, st.Rows+1)
		}
		tuple := make(record.Tuple, len(raw))
		for i, v := range raw {
			if tuple[i], err = ToValue(v); err != nil {
				return st, jerrors.Wrapf(err, "%s row %d column %s", table, st.Rows+1, cols[i])
			}
		}
		key, err := KeyBytes(tuple[keyIdx])
		if err != nil {
			return st, jerrors.Wrapf(err, "%s row %d", table, st.Rows+1)
		}
		if err := tx.Insert(key, record.EncodeTuple(tuple)); err != nil {
			return st, jerrors.Wrapf(err, "%s row %d", table, st.Rows+1)
		}
		st.Rows++

		if st.Rows%ImportBatchRows == 0 {
			if err := tx.Commit(); err != nil {
				return st, err
			}
			tx = nil
			st.Batches++
		}
	}
	if err := rows.Err(); err != nil {
		return st, jerrors.Wrapf(err, "read %s", table)
	}
	if tx != nil {
		if err := tx.Commit(); err != nil {
			return st, err
		}
		tx = nil
		st.Batches++
	}
	return st, nil
}

// ToValue converts a value scanned by database/sql into a tuple field.
func ToValue(v any) (record.Value, error) {
	switch x := v.(type) {
	case nil:
		return record.Null(), nil
	case int64:
		return record.Int(x), nil
	case int:
		return record.Int(int64(x)), nil
	case bool:
		if x {
			return record.Int(1), nil
		}
		return record.Int(0), nil
	case float64:
		return record.Float(x), nil
	case string:
		return record.Text(x), nil
	case []byte:
		return record.Blob(append([]byte(nil), x...)), nil
	case time.Time:
		return record.Text(x.Format(time.RFC3339Nano)), nil
	}
	return record.Value{}, jerrors.NewUnsupported("column type", fmt.Sprintf("%T", v))
}

// KeyBytes encodes a tuple field as a record key.
func KeyBytes(v record.Value) ([]byte, error) {
	switch v.Kind {
	case record.KindInt:
		return record.EncodeIntKey(v.Int), nil
	case record.KindText, record.KindBlob:
		if len(v.Bytes) == 0 {
			return nil, jerrors.NewValidation("key", "key column value is empty")
		}
		return v.Bytes, nil
	case record.KindNull:
		return nil, jerrors.NewValidation("key", "key column value is NULL")
	}
	return nil, jerrors.NewUnsupported("key type", v.Kind.String())
}
