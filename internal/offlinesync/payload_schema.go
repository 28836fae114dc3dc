package offlinesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaEndpointKeyword names the endpoint pattern a schema file applies to.
// The validator ignores unknown keywords, so it can live inside the schema.
const schemaEndpointKeyword = "x-relaycache-endpoint"

// PayloadSchemas validates mutation payloads at enqueue time. Patterns use
// path.Match syntax against the operation endpoint ("/entities/*").
type PayloadSchemas struct {
	mu       sync.RWMutex
	compiled int
	entries  []payloadSchemaEntry
}

type payloadSchemaEntry struct {
	pattern string
	method  string
	schema  *jsonschema.Schema
}

func NewPayloadSchemas() *PayloadSchemas {
	return &PayloadSchemas{}
}

// Register compiles schemaJSON and binds it to an endpoint pattern. An empty
// method applies the schema to every method except DELETE.
func (p *PayloadSchemas) Register(method, pattern string, schemaJSON []byte) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("%w: schema endpoint pattern is required", ErrInvalidInput)
	}
	if _, err := path.Match(pattern, "/"); err != nil {
		return fmt.Errorf("%w: schema endpoint pattern %q: %v", ErrInvalidInput, pattern, err)
	}
	if method = strings.TrimSpace(method); method != "" {
		normalized, err := normalizeMethod(method)
		if err != nil {
			return err
		}
		method = normalized
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("%w: schema for %s: %v", ErrInvalidInput, pattern, err)
	}
	p.mu.Lock()
	p.compiled++
	url := fmt.Sprintf("mem://relaycache/schema-%d.json", p.compiled)
	p.mu.Unlock()
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("%w: schema for %s: %v", ErrInvalidInput, pattern, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("%w: schema for %s: %v", ErrInvalidInput, pattern, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].pattern == pattern && p.entries[i].method == method {
			p.entries[i].schema = schema
			return nil
		}
	}
	p.entries = append(p.entries, payloadSchemaEntry{pattern: pattern, method: method, schema: schema})
	return nil
}

// Validate returns ErrInvalidOperation when the payload violates a schema
// registered for the endpoint. Endpoints without a schema always pass.
func (p *PayloadSchemas) Validate(method, endpoint string, payload json.RawMessage) error {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, entry := range p.entries {
		if !entry.applies(method, endpoint) {
			continue
		}
		if len(payload) == 0 {
			return fmt.Errorf("%w: %s %s requires a payload", ErrInvalidOperation, method, endpoint)
		}
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%w: payload is not valid json", ErrInvalidOperation)
		}
		if err := entry.schema.Validate(inst); err != nil {
			return fmt.Errorf("%w: payload for %s %s: %v", ErrInvalidOperation, method, endpoint, err)
		}
	}
	return nil
}

func (e payloadSchemaEntry) applies(method, endpoint string) bool {
	if e.method == "" {
		if method == "DELETE" {
			return false
		}
	} else if e.method != method {
		return false
	}
	matched, err := path.Match(e.pattern, endpoint)
	return err == nil && matched
}

// LoadPayloadSchemaDir registers every *.json file in dir. Each file must
// carry the endpoint pattern under "x-relaycache-endpoint" and may narrow
// the method with "x-relaycache-method".
func LoadPayloadSchemaDir(dir string) (*PayloadSchemas, error) {
	schemas := NewPayloadSchemas()
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return schemas, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var header map[string]any
		if err := json.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, filepath.Base(file), err)
		}
		pattern, _ := header[schemaEndpointKeyword].(string)
		if strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("%w: %s: missing %s", ErrInvalidInput, filepath.Base(file), schemaEndpointKeyword)
		}
		method, _ := header["x-relaycache-method"].(string)
		if err := schemas.Register(method, pattern, data); err != nil {
			return nil, err
		}
	}
	return schemas, nil
}
