package factory

import (
	"fmt"
	"log"

	"EchoTrace/internal/config"
	"EchoTrace/internal/model"
)

// SinkFactory builds a sink from its configuration.
type SinkFactory func(def config.SinkDef) (model.Sink, error)

// registry holds the mapping of sink types to their factory functions.
var registry = make(map[string]SinkFactory)

// RegisterSink registers a new sink type with its factory function.
func RegisterSink(name string, factory SinkFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("sink type '%s' already registered", name))
	}
	registry[name] = factory
}

// CreateSinks builds every enabled sink in defs. Sinks already created are
// returned alongside an error so the caller can release them.
func CreateSinks(defs []config.SinkDef) ([]model.Sink, error) {
	var sinks []model.Sink
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		log.Printf("Creating sink of type: '%s'\n", def.Type)

		factory, ok := registry[def.Type]
		if !ok {
			return sinks, fmt.Errorf("unknown sink type: '%s'", def.Type)
		}
		s, err := factory(def)
		if err != nil {
			return sinks, fmt.Errorf("error creating sink type '%s': %w", def.Type, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
