package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// Definition is the declarative workflow document. The shape follows the
// graph-editor export format: a node list plus links serialized as
// [id, origin, origin_slot, target, target_slot, "Type"] tuples.
type Definition struct {
	Nodes []NodeDef `json:"nodes"`
	Links []LinkDef `json:"links"`
}

// NodeDef is one declared vertex. Type is the editor's display label;
// Properties.Type selects the implementation.
type NodeDef struct {
	ID         int        `json:"id"`
	Type       string     `json:"type"`
	Order      int        `json:"order"`
	Properties Properties `json:"properties"`
}

type Properties struct {
	Type   string `json:"type"`
	Params Params `json:"params"`
}

// LinkDef is one declared edge.
type LinkDef struct {
	ID         int
	Origin     int
	OriginSlot int
	Target     int
	TargetSlot int
	Type       string
}

func (l *LinkDef) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 6 {
		return fmt.Errorf("link must have 6 elements, got %d", len(tuple))
	}
	ints := []*int{&l.ID, &l.Origin, &l.OriginSlot, &l.Target, &l.TargetSlot}
	for i, dst := range ints {
		if err := json.Unmarshal(tuple[i], dst); err != nil {
			return fmt.Errorf("link element %d: %w", i, err)
		}
	}
	if err := json.Unmarshal(tuple[5], &l.Type); err != nil {
		return fmt.Errorf("link type: %w", err)
	}
	return nil
}

func (l LinkDef) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.ID, l.Origin, l.OriginSlot, l.Target, l.TargetSlot, l.Type})
}

// definitionSchema rejects structurally malformed documents before any
// node-specific parsing runs.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes", "links"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "properties"],
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "type": {"type": "string"},
          "order": {"type": "integer", "minimum": 0},
          "properties": {
            "type": "object",
            "required": ["type", "params"],
            "properties": {
              "type": {"type": "string", "minLength": 1},
              "params": {"type": "array"}
            }
          }
        }
      }
    },
    "links": {
      "type": "array",
      "items": {
        "type": "array",
        "minItems": 6,
        "maxItems": 6,
        "prefixItems": [
          {"type": "integer"},
          {"type": "integer"},
          {"type": "integer", "minimum": 0},
          {"type": "integer"},
          {"type": "integer", "minimum": 0},
          {"type": "string", "minLength": 1}
        ]
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("workflow-definition.json", definitionSchema)

// ParseDefinition validates raw against the definition schema and decodes it.
func ParseDefinition(raw []byte) (*Definition, error) {
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphValidation, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphValidation, err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphValidation, err)
	}
	return &def, nil
}

// Params is the positional parameter list of a node. Optional slots hold ""
// or null in the document.
type Params []json.RawMessage

func (p Params) has(i int) bool {
	return i >= 0 && i < len(p)
}

func (p Params) String(i int) (string, error) {
	if !p.has(i) {
		return "", fmt.Errorf("param %d missing", i)
	}
	var s string
	if err := json.Unmarshal(p[i], &s); err != nil {
		return "", fmt.Errorf("param %d: %w", i, err)
	}
	return s, nil
}

func (p Params) Int(i int) (int, error) {
	if !p.has(i) {
		return 0, fmt.Errorf("param %d missing", i)
	}
	var n int
	if err := json.Unmarshal(p[i], &n); err != nil {
		return 0, fmt.Errorf("param %d: %w", i, err)
	}
	return n, nil
}

func (p Params) Bool(i int) (bool, error) {
	if !p.has(i) {
		return false, fmt.Errorf("param %d missing", i)
	}
	var b bool
	if err := json.Unmarshal(p[i], &b); err != nil {
		return false, fmt.Errorf("param %d: %w", i, err)
	}
	return b, nil
}

// Decimal accepts a JSON number or a numeric string.
func (p Params) Decimal(i int) (decimal.Decimal, error) {
	if !p.has(i) {
		return decimal.Decimal{}, fmt.Errorf("param %d missing", i)
	}
	raw := strings.TrimSpace(string(p[i]))
	raw = strings.Trim(raw, `"`)
	if raw == "" || raw == "null" {
		return decimal.Decimal{}, fmt.Errorf("param %d empty", i)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("param %d: %w", i, err)
	}
	return d, nil
}

// OptionalDecimal returns (zero, false) for missing, empty-string or null
// slots.
func (p Params) OptionalDecimal(i int) (decimal.Decimal, bool, error) {
	if !p.has(i) {
		return decimal.Decimal{}, false, nil
	}
	raw := strings.TrimSpace(string(p[i]))
	trimmed := strings.Trim(raw, `"`)
	if trimmed == "" || trimmed == "null" {
		return decimal.Decimal{}, false, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("param %d: %w", i, err)
	}
	return d, true, nil
}

// Assets decodes a [["USDT", 10000], ...] seed list.
func (p Params) Assets(i int) (map[string]decimal.Decimal, error) {
	if !p.has(i) {
		return nil, fmt.Errorf("param %d missing", i)
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(p[i], &pairs); err != nil {
		return nil, fmt.Errorf("param %d: %w", i, err)
	}
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		var asset string
		if err := json.Unmarshal(pair[0], &asset); err != nil {
			return nil, fmt.Errorf("param %d asset: %w", i, err)
		}
		amount, err := decimal.NewFromString(strings.Trim(strings.TrimSpace(string(pair[1])), `"`))
		if err != nil {
			return nil, fmt.Errorf("param %d amount for %s: %w", i, asset, err)
		}
		out[asset] = amount
	}
	return out, nil
}
