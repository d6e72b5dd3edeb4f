package message

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/c360/sigslot/errors"
)

// Convert stores src into the value dst points to, converting decoded JSON
// representations into the declared type. Integers only accept integral
// numbers in range. Failures are cast errors.
func Convert(src any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Castf("cannot convert into non-pointer %T", dst)
	}
	v, err := ConvertTo(src, rv.Elem().Type())
	if err != nil {
		return err
	}
	rv.Elem().Set(v)
	return nil
}

// ConvertTo returns src as a value of type typ
func ConvertTo(src any, typ reflect.Type) (reflect.Value, error) {
	if src == nil {
		switch typ.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return reflect.Zero(typ), nil
		}
		return reflect.Value{}, castError(src, typ)
	}

	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(typ) {
		out := reflect.New(typ).Elem()
		out.Set(sv)
		return out, nil
	}

	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := toInt64(src)
		if !ok || reflect.Zero(typ).OverflowInt(n) {
			return reflect.Value{}, castError(src, typ)
		}
		return reflect.ValueOf(n).Convert(typ), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := toUint64(src)
		if !ok || reflect.Zero(typ).OverflowUint(n) {
			return reflect.Value{}, castError(src, typ)
		}
		return reflect.ValueOf(n).Convert(typ), nil

	case reflect.Float32, reflect.Float64:
		f, ok := toFloat64(src)
		if !ok {
			return reflect.Value{}, castError(src, typ)
		}
		return reflect.ValueOf(f).Convert(typ), nil

	case reflect.String:
		if sv.Kind() == reflect.String {
			if _, isNumber := src.(json.Number); !isNumber {
				return sv.Convert(typ), nil
			}
		}

	case reflect.Bool:
		if sv.Kind() == reflect.Bool {
			return sv.Convert(typ), nil
		}

	case reflect.Slice:
		if sv.Kind() == reflect.Slice && typ.Elem().Kind() != reflect.Uint8 {
			out := reflect.MakeSlice(typ, sv.Len(), sv.Len())
			for i := 0; i < sv.Len(); i++ {
				elem, err := ConvertTo(sv.Index(i).Interface(), typ.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(elem)
			}
			return out, nil
		}
		return viaJSON(src, typ)

	case reflect.Map:
		if sv.Kind() == reflect.Map && typ.Key().Kind() == reflect.String && sv.Type().Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(typ, sv.Len())
			iter := sv.MapRange()
			for iter.Next() {
				elem, err := ConvertTo(iter.Value().Interface(), typ.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(iter.Key().Convert(typ.Key()), elem)
			}
			return out, nil
		}

	case reflect.Struct, reflect.Pointer, reflect.Array:
		return viaJSON(src, typ)
	}

	return reflect.Value{}, castError(src, typ)
}

// viaJSON converts structured values by a JSON round trip
func viaJSON(src any, typ reflect.Type) (reflect.Value, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return reflect.Value{}, castError(src, typ)
	}
	out := reflect.New(typ)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, castError(src, typ)
	}
	return out.Elem(), nil
}

func castError(src any, typ reflect.Type) error {
	return errors.Castf("cannot convert %T value %v to %s", src, src, typ)
}

func toInt64(src any) (int64, bool) {
	switch v := src.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case float64:
		return floatToInt(v)
	case float32:
		return floatToInt(float64(v))
	}

	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

// floatToInt accepts integral floats in range. float64(math.MaxInt64) is
// 2^63, which is already out of range.
func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toUint64(src any) (uint64, bool) {
	switch v := src.(type) {
	case json.Number:
		if n, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return floatToUint(f)
	case float64:
		return floatToUint(v)
	case float32:
		return floatToUint(float64(v))
	}

	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	}
	return 0, false
}

// floatToUint is floatToInt for unsigned targets; float64(math.MaxUint64) is 2^64
func floatToUint(f float64) (uint64, bool) {
	if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

func toFloat64(src any) (float64, bool) {
	switch v := src.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}

	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}
