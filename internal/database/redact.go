package database

import (
	"net/url"
	"reflect"
	"strings"
	"unicode/utf8"
)

// RedactPlaceholder replaces sensitive values in logs.
const RedactPlaceholder = "[REDACTED]"

// MaxLoggedQueryLen bounds the statement text written to logs.
const MaxLoggedQueryLen = 200

var sensitiveFields = []string{"password", "token", "secret", "key"}

// IsSensitiveField reports whether a parameter field name holds a credential.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactArgs returns a copy of args safe for logging. Map entries and struct
// fields with sensitive names are replaced by RedactPlaceholder. The
// original args are never modified and are what the driver receives.
func RedactArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = redactValue(reflect.ValueOf(a), 0)
	}
	return out
}

func redactValue(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > 4 {
		return v.Interface()
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return redactValue(v.Elem(), depth+1)

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface()
		}
		m := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			name := iter.Key().String()
			if IsSensitiveField(name) {
				m[name] = RedactPlaceholder
				continue
			}
			m[name] = redactValue(iter.Value(), depth+1)
		}
		return m

	case reflect.Struct:
		t := v.Type()
		m := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" && tag != "-" {
				name = tag
			}
			if IsSensitiveField(f.Name) || IsSensitiveField(name) {
				m[name] = RedactPlaceholder
				continue
			}
			m[name] = redactValue(v.Field(i), depth+1)
		}
		return m

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		s := make([]any, v.Len())
		for i := range s {
			s[i] = redactValue(v.Index(i), depth+1)
		}
		return s
	}

	return v.Interface()
}

// TruncateQuery collapses whitespace and bounds the statement to
// MaxLoggedQueryLen bytes, cutting on a rune boundary.
func TruncateQuery(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) <= MaxLoggedQueryLen {
		return q
	}
	cut := MaxLoggedQueryLen - 3
	for cut > 0 && !utf8.RuneStart(q[cut]) {
		cut--
	}
	return q[:cut] + "..."
}

// RedactConnectionString masks credentials in a connection URI.
func RedactConnectionString(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "[invalid-uri]"
	}
	if u.User != nil {
		u.User = url.UserPassword(RedactPlaceholder, RedactPlaceholder)
	}
	return u.String()
}
