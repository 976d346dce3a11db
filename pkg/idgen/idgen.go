// Package idgen produces category-prefixed snapshot identifiers such as
// "TSK_m1x0k2a1f3c9b04e".
package idgen

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// PrefixNamed is used when the payload carries a name but the category is
	// not in the prefix table.
	PrefixNamed = "SNAP"
	// PrefixGeneric is used when neither category nor name are usable.
	PrefixGeneric = "GEN"
)

var prefixes = map[string]string{
	"user":         "USR",
	"project":      "PRJ",
	"task":         "TSK",
	"event":        "EVT",
	"calendar":     "CAL",
	"document":     "DOC",
	"notification": "NTF",
	"team":         "TEM",
	"todo":         "TDO",
	"trade":        "TRD",
	"message":      "MSG",
}

// Prefix resolves the identifier prefix for category. hasName selects the
// fallback when the category is unknown.
func Prefix(category string, hasName bool) string {
	if prefix, ok := prefixes[strings.ToLower(strings.TrimSpace(category))]; ok {
		return prefix
	}
	if hasName {
		return PrefixNamed
	}
	return PrefixGeneric
}

// Categories returns the known categories.
func Categories() []string {
	out := make([]string, 0, len(prefixes))
	for category := range prefixes {
		out = append(out, category)
	}
	return out
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source used for the suffix.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEntropy overrides the random component of the suffix.
func WithEntropy(random func() string) Option {
	return func(g *Generator) {
		if random != nil {
			g.random = random
		}
	}
}

// Generator builds identifiers of the form PREFIX_<millis><seq><random>.
// It is safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	seq    uint64
	now    func() time.Time
	random func() string
}

// New returns a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		now:    time.Now,
		random: uuidEntropy,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Generate returns a new identifier for category. payload is inspected for a
// non-empty name to pick the fallback prefix.
func (g *Generator) Generate(category string, payload any) string {
	prefix := Prefix(category, HasName(payload))

	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(g.now().UnixMilli(), 36))
	b.WriteString(strconv.FormatUint(seq, 36))
	b.WriteString(g.random())
	return b.String()
}

// Split returns the prefix and suffix of id.
func Split(id string) (prefix, suffix string, ok bool) {
	return strings.Cut(id, "_")
}

// HasName reports whether payload exposes a non-empty name through a
// "name" map key, a Name field or a Name() method.
func HasName(payload any) bool {
	if payload == nil {
		return false
	}
	if named, ok := payload.(interface{ Name() string }); ok {
		return strings.TrimSpace(named.Name()) != ""
	}
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}
		for _, key := range []string{"name", "Name"} {
			value := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
			if value.IsValid() && nonEmptyString(value) {
				return true
			}
		}
	case reflect.Struct:
		field := v.FieldByName("Name")
		return field.IsValid() && nonEmptyString(field)
	}
	return false
}

func nonEmptyString(v reflect.Value) bool {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	return v.Kind() == reflect.String && strings.TrimSpace(v.String()) != ""
}

func uuidEntropy() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
