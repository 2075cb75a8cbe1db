package detection

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
)

// Accepted aliases per canonical field, in lookup order.
var (
	xminAliases      = []string{"xmin", "x1", "x"}
	yminAliases      = []string{"ymin", "y1", "y"}
	xmaxAliases      = []string{"xmax", "x2"}
	ymaxAliases      = []string{"ymax", "y2"}
	widthAliases     = []string{"w", "width"}
	heightAliases    = []string{"h", "height"}
	confAliases      = []string{"conf", "confidence", "score"}
	classNameAliases = []string{"class_name", "name", "label"}
	classIDAliases   = []string{"class_id", "cls"}
)

// sequenceKeys names the positions of a flat [x1 y1 x2 y2 conf cls] row.
var sequenceKeys = []string{"x1", "y1", "x2", "y2", "conf", "cls"}

// Normalize maps a raw record onto the canonical schema. It never fails:
// fields that cannot be found under any alias get their documented default
// (coordinates 0, confidence 0, class id -1, class name "unknown").
//
// Understood shapes are maps keyed by strings, structs (field names or
// mapstructure tags act as keys) and numeric rows laid out as
// [x1, y1, x2, y2, conf, cls]. Keys match ignoring case and separators.
func Normalize(raw Raw) Detection {
	d, _ := NormalizeWithReport(raw)
	return d
}

// NormalizeWithReport is Normalize plus the canonical fields that were
// filled with defaults because no alias was present.
func NormalizeWithReport(raw Raw) (Detection, []string) {
	f := fields(raw)
	var missing []string

	num := func(field string, aliases []string) (float64, bool) {
		v, ok := f.number(aliases)
		if !ok {
			missing = append(missing, field)
		}
		return v, ok
	}

	xmin, _ := num(FieldXMin, xminAliases)
	ymin, _ := num(FieldYMin, yminAliases)

	xmax, ok := f.number(xmaxAliases)
	if !ok {
		if w, hasW := f.number(widthAliases); hasW {
			xmax = xmin + w
		} else {
			missing = append(missing, FieldXMax)
		}
	}
	ymax, ok := f.number(ymaxAliases)
	if !ok {
		if h, hasH := f.number(heightAliases); hasH {
			ymax = ymin + h
		} else {
			missing = append(missing, FieldYMax)
		}
	}

	conf, _ := num(FieldConfidence, confAliases)

	classID := UnknownClassID
	if v, ok := num(FieldClassID, classIDAliases); ok {
		classID = int(v)
	}

	className, ok := f.text(classNameAliases)
	if !ok {
		className = UnknownClassName
		missing = append(missing, FieldClassName)
	}

	d := Detection{
		XMin:       toInt(xmin),
		YMin:       toInt(ymin),
		XMax:       toInt(xmax),
		YMax:       toInt(ymax),
		Confidence: clamp01(conf),
		ClassID:    classID,
		ClassName:  className,
	}
	if d.XMin > d.XMax {
		d.XMin, d.XMax = d.XMax, d.XMin
	}
	if d.YMin > d.YMax {
		d.YMin, d.YMax = d.YMax, d.YMin
	}
	return d, missing
}

// NormalizeAll normalizes every record of a frame.
func NormalizeAll(raws []Raw) []Detection {
	out := make([]Detection, 0, len(raws))
	for _, r := range raws {
		out = append(out, Normalize(r))
	}
	return out
}

type fieldSet map[string]any

func (f fieldSet) number(aliases []string) (float64, bool) {
	for _, a := range aliases {
		v, ok := f[canonKey(a)]
		if !ok {
			continue
		}
		if n, ok := toFloat(v); ok {
			return n, true
		}
	}
	return 0, false
}

func (f fieldSet) text(aliases []string) (string, bool) {
	for _, a := range aliases {
		v, ok := f[canonKey(a)]
		if !ok {
			continue
		}
		if s, ok := toString(v); ok {
			return s, true
		}
	}
	return "", false
}

// canonKey folds case and drops separators so that "class_id", "ClassID"
// and "class-id" compare equal.
func canonKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return unicode.ToLower(r)
	}, k)
}

// fields flattens a raw record into canonical keys.
func fields(raw Raw) fieldSet {
	out := fieldSet{}
	if raw == nil {
		return out
	}
	if m, ok := raw.(map[string]any); ok {
		for k, v := range m {
			out[canonKey(k)] = v
		}
		return out
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return out
		}
		iter := rv.MapRange()
		for iter.Next() {
			out[canonKey(iter.Key().String())] = iter.Value().Interface()
		}
	case reflect.Struct:
		var m map[string]any
		if err := mapstructure.Decode(rv.Interface(), &m); err == nil {
			for k, v := range m {
				out[canonKey(k)] = v
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len() && i < len(sequenceKeys); i++ {
			out[sequenceKeys[i]] = rv.Index(i).Interface()
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return toFloat(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return toFloat(f)
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return toFloat(rv.Float())
	case reflect.Slice, reflect.Array:
		// single-element tensors, e.g. box.conf[0]
		if rv.Len() == 1 {
			return toFloat(rv.Index(0).Interface())
		}
	case reflect.Pointer, reflect.Interface:
		if !rv.IsNil() {
			return toFloat(rv.Elem().Interface())
		}
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		s = strings.TrimSpace(s)
		return s, s != ""
	case []byte:
		return toString(string(s))
	case fmt.Stringer:
		return toString(s.String())
	}
	if _, ok := toFloat(v); ok {
		return toString(fmt.Sprint(v))
	}
	return "", false
}

func toInt(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int(v)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
