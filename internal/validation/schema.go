package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles and memoizes JSON-Schema documents keyed by a
// content hash, so a tool whose schema never changes across calls pays the
// compilation cost once. Keys are xxhash sums of the raw schema bytes,
// grounded on the teacher's policy_service.go cache-key pattern
// (computeCacheKey), reused here for a different cache.
type schemaCache struct {
	mu    sync.RWMutex
	byKey map[uint64]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byKey: make(map[uint64]*jsonschema.Schema)}
}

// compile returns a compiled schema for rawSchema, using the cache when
// available.
func (c *schemaCache) compile(rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	key := xxhash.Sum64(rawSchema)

	c.mu.RLock()
	if s, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	resourceName := fmt.Sprintf("schema-%x.json", key)
	if err := compiler.AddResource(resourceName, bytes.NewReader(rawSchema)); err != nil {
		return nil, fmt.Errorf("validation: adding schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("validation: compiling schema: %w", err)
	}

	c.mu.Lock()
	c.byKey[key] = schema
	c.mu.Unlock()

	return schema, nil
}
