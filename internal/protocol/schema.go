package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBase = "https://meanbot.ai/schemas/"

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		for _, e := range entries {
			b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("%s: %w", e.Name(), err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema)
		for _, typ := range []string{TypeHello, TypeWelcome, TypeEvent, TypeTurn, TypeDecision, TypeEnd, TypeError} {
			name := strings.ToLower(typ) + ".schema.json"
			s, err := c.Compile(schemaBase + name)
			if err != nil {
				schemasErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			out[typ] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate checks a raw message against the schema for its type.
func Validate(msgType string, raw []byte) error {
	all, err := compileSchemas()
	if err != nil {
		return fmt.Errorf("protocol schemas: %w", err)
	}
	s, ok := all[msgType]
	if !ok {
		return fmt.Errorf("unknown message type %q", msgType)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

// ValidateValue marshals v and validates it; used for outbound messages in tests
// and by the bot.
func ValidateValue(msgType string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return Validate(msgType, b)
}
