package model

import (
	"fmt"
	"reflect"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of compiled types kept by NewRegistry
// when a non-positive size is given.
const DefaultCacheSize = 512

// Converter maps a Go value to and from its database representation.
type Converter interface {
	ToDB(v any) (any, error)
	FromDB(v any) (any, error)
}

// ConverterFuncs adapts two functions to Converter.
type ConverterFuncs struct {
	To   func(any) (any, error)
	From func(any) (any, error)
}

func (c ConverterFuncs) ToDB(v any) (any, error)   { return c.To(v) }
func (c ConverterFuncs) FromDB(v any) (any, error) { return c.From(v) }

// Provider resolves entity metadata.
type Provider interface {
	TypeOf(entity any) (*Type, error)
	TypeFor(rt reflect.Type) (*Type, error)
}

// Registry compiles and caches Types per Go struct type.
type Registry struct {
	cache *lru.Cache[reflect.Type, *Type]

	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry returns a registry caching up to size compiled types.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[reflect.Type, *Type](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Registry{cache: cache, converters: make(map[string]Converter)}
}

var defaultRegistry = NewRegistry(DefaultCacheSize)

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// RegisterConverter makes conv available to `conv=name` tags. Types compiled
// before the registration are not affected.
func (r *Registry) RegisterConverter(name string, conv Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[name] = conv
}

func (r *Registry) converter(name string) (Converter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.converters[name]
	return conv, ok
}

// TypeOf returns the Type of entity, which may be a struct, a pointer to a
// struct, or a slice of either.
func (r *Registry) TypeOf(entity any) (*Type, error) {
	if entity == nil {
		return nil, fmt.Errorf("cannot resolve metadata of nil")
	}
	return r.TypeFor(reflect.TypeOf(entity))
}

// TypeFor returns the compiled Type for rt, building and caching it on first use.
func (r *Registry) TypeFor(rt reflect.Type) (*Type, error) {
	for rt.Kind() == reflect.Pointer || rt.Kind() == reflect.Slice {
		rt = rt.Elem()
	}
	if rt.Kind() == reflect.Map {
		return nil, fmt.Errorf("map records need an explicit dynamic type; use introspection to build one")
	}
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot map %s: entities must be structs", rt)
	}
	if t, ok := r.cache.Get(rt); ok {
		return t, nil
	}
	t, err := r.build(rt)
	if err != nil {
		return nil, err
	}
	r.cache.Add(rt, t)
	return t, nil
}
