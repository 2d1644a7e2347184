package payout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

// SupportedFormats is the range of product file formats this build reads.
const SupportedFormats = ">= 1.0.0, < 2.0.0"

const productSchemaURL = "https://parametric.schemas.local/product.schema.json"

const productSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "owner", "scale_wad", "wind", "hail"],
  "additionalProperties": false,
  "properties": {
    "format":     {"type": "string"},
    "name":       {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"},
    "version":    {"type": "string", "minLength": 1},
    "owner":      {"type": "string", "minLength": 1},
    "scale_wad":  {"type": ["string", "integer"], "pattern": "^[0-9]+$", "minimum": 0},
    "deductible": {"type": "integer", "minimum": 0},
    "cap":        {"type": "integer", "minimum": 0},
    "wind":       {"$ref": "#/$defs/table"},
    "hail":       {"$ref": "#/$defs/table"}
  },
  "$defs": {
    "table": {
      "type": "object",
      "required": ["thresholds", "payouts"],
      "additionalProperties": false,
      "properties": {
        "thresholds": {"type": "array", "minItems": 1, "items": {"type": "integer"}},
        "payouts":    {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 0}}
      }
    }
  }
}`

var compiledProductSchema = mustCompileProductSchema()

func mustCompileProductSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(productSchemaURL, strings.NewReader(productSchema)); err != nil {
		panic(fmt.Sprintf("product schema load failed: %v", err))
	}
	return c.MustCompile(productSchemaURL)
}

// Product is a parsed product file.
type Product struct {
	Format     string      `json:"format,omitempty"`
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	Owner      string      `json:"owner"`
	ScaleWad   json.Number `json:"scale_wad"`
	Deductible int64       `json:"deductible"`
	Cap        int64       `json:"cap"`
	Wind       TierTable   `json:"wind"`
	Hail       TierTable   `json:"hail"`
}

// Ref is the engine reference for the product: name@version.
func (p *Product) Ref() string {
	return p.Name + "@" + p.Version
}

// LoadProduct reads a YAML (or JSON) product file.
func LoadProduct(path string) (*Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load product %q: %w", path, err)
	}
	p, err := ParseProduct(data)
	if err != nil {
		return nil, fmt.Errorf("load product %q: %w", path, err)
	}
	return p, nil
}

// ParseProduct validates a product document against the product schema and the
// supported format range.
func ParseProduct(data []byte) (*Product, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "parse yaml").Wrap(err)
	}
	// normalise through JSON so the schema sees json.Number rather than yaml ints
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "normalise").Wrap(err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "normalise").Wrap(err)
	}
	if err := compiledProductSchema.Validate(generic); err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "schema validation failed").Wrap(err)
	}

	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "decode").Wrap(err)
	}

	if p.Format == "" {
		p.Format = "1.0.0"
	}
	constraint, err := semver.NewConstraint(SupportedFormats)
	if err != nil {
		return nil, fmt.Errorf("invalid format constraint: %w", err)
	}
	format, err := semver.NewVersion(p.Format)
	if err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "invalid format %q", p.Format).Wrap(err)
	}
	if !constraint.Check(format) {
		return nil, fault.New(fault.KindInvalidConfig, "product", "format %s not in supported range %s", format, SupportedFormats)
	}
	version, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fault.New(fault.KindInvalidConfig, "product", "invalid version %q", p.Version).Wrap(err)
	}
	p.Version = version.String()

	return &p, nil
}

// Params returns the adjustable parameters declared by the product.
func (p *Product) Params() (Params, error) {
	scaleWad, err := decimal.NewFromString(p.ScaleWad.String())
	if err != nil {
		return Params{}, fault.New(fault.KindInvalidConfig, "product", "invalid scale_wad %q", p.ScaleWad).Wrap(err)
	}
	return Params{ScaleWad: scaleWad, Deductible: p.Deductible, Cap: p.Cap}, nil
}

// Engine builds the payout engine described by the product.
func (p *Product) Engine() (*Engine, error) {
	params, err := p.Params()
	if err != nil {
		return nil, err
	}
	return NewEngine(p.Ref(), access.Identity(p.Owner), p.Wind, p.Hail, params)
}
