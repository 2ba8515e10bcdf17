// Package payload normalizes webhook deliveries from the collection API.
//
// Deliveries arrive in several loosely defined shapes. Detect tries each known
// shape in a fixed priority order and returns the first match; the order is part
// of the contract, since one payload can satisfy several shapes at once.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// ErrShapeDetection means no known shape matched or no batch identifier was recoverable.
var ErrShapeDetection = errors.New("payload shape not recognized")

// Shape identifies which payload layout matched.
type Shape int

// Shapes in priority order.
const (
	ShapeUnknown Shape = iota
	ShapeArray
	ShapeWrapped
	ShapeSingleRecord
	ShapeResults
	ShapeStatusOnly
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeWrapped:
		return "wrapped"
	case ShapeSingleRecord:
		return "single_record"
	case ShapeResults:
		return "results"
	case ShapeStatusOnly:
		return "status_only"
	default:
		return "unknown"
	}
}

// SyntheticPrefix tags batch identifiers minted locally rather than received.
const SyntheticPrefix = "webhook_"

// BatchIDKeys are the top-level identifier fields, checked in order.
var BatchIDKeys = []string{"snapshot_id", "snapshot", "id", "snapshotId"}

// recordBatchKeys are checked on array elements; a bare "id" there is the
// record's own id, not the batch's.
var recordBatchKeys = []string{"snapshot_id", "snapshot", "snapshotId"}

// recordSubIDKeys identify an individual record; used to mint a batch id.
var recordSubIDKeys = []string{"job_posting_id", "jobid", "id"}

// recordMarkers make an object look like a single scraped record.
var recordMarkers = []string{"job_posting_id", "jobid", "job_title", "company_name", "url", "title"}

// Detection is the normalized view of one delivery.
type Detection struct {
	Shape   Shape
	Records []relay.Record
	BatchID string
	Status  string
	Message string
}

// Detector runs shape matchers in priority order.
type Detector struct {
	clock relay.Clock
}

// NewDetector builds a Detector. The clock supplies the fallback component of
// synthesized batch identifiers.
func NewDetector(clock relay.Clock) *Detector {
	return &Detector{clock: clock}
}

type matcher func(d *Detector, v any) (Detection, bool)

var matchers = []matcher{
	matchArray,
	matchWrapped,
	matchSingleRecord,
	matchResults,
	matchStatusOnly,
}

// Decode parses raw JSON into generic values, keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// Detect classifies v. An unmatched payload yields ShapeUnknown with no records
// and an empty BatchID.
func (d *Detector) Detect(v any) Detection {
	for _, m := range matchers {
		if det, ok := m(d, v); ok {
			return det
		}
	}
	return Detection{Shape: ShapeUnknown, Records: []relay.Record{}}
}

// DetectRaw decodes raw and runs Detect. It returns ErrShapeDetection when no
// batch identifier could be recovered.
func (d *Detector) DetectRaw(raw []byte) (Detection, error) {
	v, err := Decode(raw)
	if err != nil {
		return Detection{}, err
	}
	det := d.Detect(v)
	if det.BatchID == "" {
		return det, ErrShapeDetection
	}
	return det, nil
}

func matchArray(d *Detector, v any) (Detection, bool) {
	arr, ok := v.([]any)
	if !ok {
		return Detection{}, false
	}
	records := objects(arr)
	det := Detection{Shape: ShapeArray, Records: records}
	if len(records) > 0 {
		first := records[0]
		if input, ok := first["input"].(map[string]any); ok {
			det.BatchID = firstString(input, recordBatchKeys...)
		}
		if det.BatchID == "" {
			det.BatchID = firstString(first, recordBatchKeys...)
		}
	}
	if det.BatchID == "" {
		det.BatchID = d.synthesize(records)
	}
	return det, true
}

func matchWrapped(_ *Detector, v any) (Detection, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Detection{}, false
	}
	data, ok := obj["data"].([]any)
	if !ok {
		return Detection{}, false
	}
	return Detection{
		Shape:   ShapeWrapped,
		Records: objects(data),
		BatchID: firstString(obj, BatchIDKeys...),
		Status:  firstString(obj, "status"),
	}, true
}

func matchSingleRecord(d *Detector, v any) (Detection, bool) {
	obj, ok := v.(map[string]any)
	if !ok || !hasAny(obj, recordMarkers...) {
		return Detection{}, false
	}
	det := Detection{
		Shape:   ShapeSingleRecord,
		Records: []relay.Record{obj},
		BatchID: firstString(obj, recordBatchKeys...),
	}
	if det.BatchID == "" {
		if input, ok := obj["input"].(map[string]any); ok {
			det.BatchID = firstString(input, recordBatchKeys...)
		}
	}
	if det.BatchID == "" {
		det.BatchID = d.synthesize(det.Records)
	}
	return det, true
}

func matchResults(_ *Detector, v any) (Detection, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Detection{}, false
	}
	results, ok := obj["results"].([]any)
	if !ok {
		return Detection{}, false
	}
	return Detection{
		Shape:   ShapeResults,
		Records: objects(results),
		BatchID: firstString(obj, BatchIDKeys...),
		Status:  firstString(obj, "status"),
	}, true
}

func matchStatusOnly(_ *Detector, v any) (Detection, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Detection{}, false
	}
	status := firstString(obj, "status")
	batchID := firstString(obj, BatchIDKeys...)
	if status == "" || batchID == "" {
		return Detection{}, false
	}
	return Detection{
		Shape:   ShapeStatusOnly,
		Records: []relay.Record{},
		BatchID: batchID,
		Status:  status,
		Message: firstString(obj, "message", "error", "error_message"),
	}, true
}

func (d *Detector) synthesize(records []relay.Record) string {
	if len(records) > 0 {
		if sub := firstString(records[0], recordSubIDKeys...); sub != "" {
			return SyntheticPrefix + sub
		}
	}
	now := time.Now()
	if d.clock != nil {
		now = d.clock.Now()
	}
	return SyntheticPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

func objects(arr []any) []relay.Record {
	out := make([]relay.Record, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func hasAny(obj map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// firstString returns the first non-empty string or number value among keys, in order.
func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// ExtractBatchID returns the first identifier found among BatchIDKeys in obj.
func ExtractBatchID(obj map[string]any) string {
	return firstString(obj, BatchIDKeys...)
}
