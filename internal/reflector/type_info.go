// Package reflector resolves stable, human readable type names for values
// that cross the process boundary (errors, payloads).
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]string)
)

// TypeName returns the package qualified name of x's type with pointers
// dereferenced, e.g. "github.com/acme/pkg.NotFoundError". Unnamed types fall
// back to their reflect string.
func TypeName(x any) string {
	return nameForType(reflect.TypeOf(x))
}

// ShortName returns the type name without its package path.
func ShortName(x any) string {
	t := reflect.TypeOf(x)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

func nameForType(t reflect.Type) string {
	if t == nil {
		return ""
	}

	muCache.RLock()
	name, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return name
	}

	e := t
	for e.Kind() == reflect.Pointer {
		e = e.Elem()
	}
	switch {
	case e.Name() == "":
		name = e.String()
	case e.PkgPath() == "":
		name = e.Name()
	default:
		name = e.PkgPath() + "." + e.Name()
	}

	muCache.Lock()
	cache[t] = name
	muCache.Unlock()
	return name
}
