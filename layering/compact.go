package layering

import "reflect"

// Compact returns a copy of value with nil and empty map entries removed,
// recursing through pointers, interfaces, struct fields and slices. The second
// return value counts the entries that were dropped. Struct fields themselves
// are never removed.
func Compact[T any](value T) (T, int) {
	removed := 0
	out := compactValue(reflect.ValueOf(value), &removed)
	return asType[T](out), removed
}

// IsEmpty reports whether value carries no information worth persisting.
func IsEmpty(value any) bool {
	return isEmptyValue(reflect.ValueOf(value))
}

func compactValue(v reflect.Value, removed *int) reflect.Value {
	if !v.IsValid() {
		return v
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(compactValue(v.Elem(), removed))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(compactValue(v.Elem(), removed))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			field := out.Field(i)
			if !field.CanSet() {
				continue
			}
			field.Set(compactValue(v.Field(i), removed))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			value := compactValue(iter.Value(), removed)
			if isEmptyValue(value) {
				*removed++
				continue
			}
			out.SetMapIndex(iter.Key(), value)
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(compactValue(v.Index(i), removed))
		}
		return out
	default:
		return cloneValue(v)
	}
}

func isEmptyValue(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return true
		}
		return isEmptyValue(v.Elem())
	case reflect.Map, reflect.Slice:
		return v.IsNil() || v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}
