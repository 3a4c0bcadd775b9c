package introspection

import (
	"reflect"
	"strings"
)

var int64Type = reflect.TypeOf(int64(0))

// GoTypeFor returns the Go type used for integer columns of a dynamic record,
// so placeholder keys and generated identities keep a numeric type. Other
// column types stay untyped and hold whatever the driver returns.
func GoTypeFor(dataType string) reflect.Type {
	dt := strings.ToLower(strings.TrimSpace(dataType))
	if idx := strings.IndexByte(dt, '('); idx >= 0 {
		dt = dt[:idx]
	}
	switch dt {
	case "int", "integer", "bigint", "smallint", "tinyint", "mediumint",
		"int2", "int4", "int8", "serial", "bigserial", "smallserial":
		return int64Type
	}
	return nil
}
