// Copyright 2025 Suprema
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// CellKind tags the variants a database cell can take after scanning.
type CellKind int

const (
	KindNull CellKind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindTime
	KindBytes
)

// Cell is a tagged-variant database value. The tag makes the JSON
// conversion total: every supported input maps to a JSON-safe value.
type Cell struct {
	Kind  CellKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Time  time.Time
	Bytes []byte
}

// CellOf classifies a value produced by database/sql scanning.
func CellOf(v interface{}) Cell {
	switch x := v.(type) {
	case nil:
		return Cell{Kind: KindNull}
	case int64:
		return Cell{Kind: KindInt, Int: x}
	case int32:
		return Cell{Kind: KindInt, Int: int64(x)}
	case int:
		return Cell{Kind: KindInt, Int: int64(x)}
	case float64:
		return Cell{Kind: KindFloat, Float: x}
	case float32:
		return Cell{Kind: KindFloat, Float: float64(x)}
	case bool:
		return Cell{Kind: KindBool, Bool: x}
	case string:
		return Cell{Kind: KindString, Str: x}
	case time.Time:
		return Cell{Kind: KindTime, Time: x}
	case []byte:
		return Cell{Kind: KindBytes, Bytes: x}
	case sql.RawBytes:
		return Cell{Kind: KindBytes, Bytes: x}
	default:
		return Cell{Kind: KindString, Str: fmt.Sprint(x)}
	}
}

// JSON converts the cell to a JSON-serialisable value. Non-finite
// floats become null; timestamps become ISO-8601 strings; byte strings
// are UTF-8 decoded or stringified when undecodable.
func (c Cell) JSON() interface{} {
	switch c.Kind {
	case KindNull:
		return nil
	case KindInt:
		return c.Int
	case KindFloat:
		if math.IsNaN(c.Float) || math.IsInf(c.Float, 0) {
			return nil
		}
		return c.Float
	case KindBool:
		return c.Bool
	case KindString:
		return c.Str
	case KindTime:
		return c.Time.Format(time.RFC3339)
	case KindBytes:
		if utf8.Valid(c.Bytes) {
			return string(c.Bytes)
		}
		return fmt.Sprintf("%q", c.Bytes)
	}
	return nil
}

// SafeConvert is the total conversion from a scanned database value to
// a JSON-safe one.
func SafeConvert(v interface{}) interface{} {
	return CellOf(v).JSON()
}

// decimalType reports whether a column holds fixed-point decimals,
// which some drivers scan as byte strings.
func decimalType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC", "MONEY":
		return true
	}
	return false
}

// RowsToRecords scans all rows into JSON-safe records. Fixed-point
// decimal columns are parsed into float64 per the normalisation rules.
func RowsToRecords(rows *sql.Rows) ([]map[string]interface{}, []string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read column types: %w", err)
	}

	decimal := make([]bool, len(columns))
	for i, ct := range types {
		decimal[i] = decimalType(ct.DatabaseTypeName())
	}

	records := []map[string]interface{}{}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			cell := CellOf(values[i])
			if decimal[i] && cell.Kind == KindBytes {
				if f, err := strconv.ParseFloat(string(cell.Bytes), 64); err == nil {
					cell = Cell{Kind: KindFloat, Float: f}
				}
			}
			record[col] = cell.JSON()
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return records, columns, nil
}
