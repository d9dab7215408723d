// Package features defines the fixed market-condition record that callers
// submit for scoring and its single-row tabular encoding.
//
// The column order produced by Encode is the order the classifiers were
// trained on. Permuting it does not fail loudly; it silently produces wrong
// probabilities, so Columns is the only source of that order.
package features

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Column names in training order.
const (
	ColATR      = "atr"
	ColADX      = "adx"
	ColSpread   = "spread"
	ColEMASlope = "ema_slope"
	ColVolume   = "volume"
	ColHour     = "hour"
)

var columns = [...]string{ColATR, ColADX, ColSpread, ColEMASlope, ColVolume, ColHour}

// NumColumns is the width of an encoded row.
const NumColumns = len(columns)

// Columns returns the encoded column order. The returned slice is a copy.
func Columns() []string {
	out := make([]string, NumColumns)
	copy(out, columns[:])
	return out
}

// Record describes current market conditions for one prediction request.
// Hour is expected in 0-23 but is not range checked.
type Record struct {
	ATR      float64 `json:"atr"`
	ADX      float64 `json:"adx"`
	Spread   float64 `json:"spread"`
	EMASlope float64 `json:"ema_slope"`
	Volume   int64   `json:"volume"`
	Hour     int64   `json:"hour"`
}

// MarshalZerologObject lets a Record be embedded in a log event.
func (r Record) MarshalZerologObject(e *zerolog.Event) {
	e.Float64(ColATR, r.ATR).
		Float64(ColADX, r.ADX).
		Float64(ColSpread, r.Spread).
		Float64(ColEMASlope, r.EMASlope).
		Int64(ColVolume, r.Volume).
		Int64(ColHour, r.Hour)
}

func (r Record) String() string {
	return fmt.Sprintf("{atr:%g adx:%g spread:%g ema_slope:%g volume:%d hour:%d}",
		r.ATR, r.ADX, r.Spread, r.EMASlope, r.Volume, r.Hour)
}

// Frame is a single-row table: Values[i] belongs to Columns[i].
type Frame struct {
	Columns []string
	Values  []float64
}

// Encode converts a record into the single-row frame classifiers consume.
func Encode(r Record) Frame {
	return Frame{
		Columns: Columns(),
		Values: []float64{
			r.ATR,
			r.ADX,
			r.Spread,
			r.EMASlope,
			float64(r.Volume),
			float64(r.Hour),
		},
	}
}

// Value returns the value stored under column.
func (f Frame) Value(column string) (float64, bool) {
	for i, c := range f.Columns {
		if c == column && i < len(f.Values) {
			return f.Values[i], true
		}
	}
	return 0, false
}

// Float32 returns the row as float32, the dtype ONNX exports expect.
func (f Frame) Float32() []float32 {
	out := make([]float32, len(f.Values))
	for i, v := range f.Values {
		out[i] = float32(v)
	}
	return out
}
