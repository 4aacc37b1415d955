// Package load reads the YAML text form of a schema into the typed tree.
// The text form is a direct serialization of the schema structure; all
// semantic validation happens in schema.New, and policy expressions inside
// attribute arguments stay opaque strings until policy compilation.
package load

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syssam/guardrail/schema"
)

type yamlSchema struct {
	Models []yamlModel `yaml:"models"`
}

type yamlModel struct {
	Name       string      `yaml:"name"`
	Fields     []yamlField `yaml:"fields"`
	Attributes []yamlAttr  `yaml:"attributes"`
}

type yamlField struct {
	Name       string     `yaml:"name"`
	Type       string     `yaml:"type"`
	Optional   bool       `yaml:"optional"`
	Unique     bool       `yaml:"unique"`
	Default    any        `yaml:"default"`
	Target     string     `yaml:"target"`
	Many       bool       `yaml:"many"`
	Join       yamlJoin   `yaml:"join"`
	Attributes []yamlAttr `yaml:"attributes"`
}

type yamlJoin struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type yamlAttr struct {
	Name string `yaml:"name"`
	Args []any  `yaml:"args"`
}

// Parse reads a YAML schema document from r and assembles it into a
// validated schema tree.
func Parse(r io.Reader) (*schema.Schema, error) {
	var doc yamlSchema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("load: decoding schema: %w", err)
	}
	models := make([]*schema.Model, 0, len(doc.Models))
	for _, ym := range doc.Models {
		m, err := convertModel(ym)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return schema.New(models...)
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (*schema.Schema, error) {
	return Parse(bytes.NewReader(data))
}

// ParseFile is Parse over the named file.
func ParseFile(path string) (*schema.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sch, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load: %s: %w", path, err)
	}
	return sch, nil
}

func convertModel(ym yamlModel) (*schema.Model, error) {
	m := &schema.Model{Name: ym.Name, Attrs: convertAttrs(ym.Attributes)}
	for _, yf := range ym.Fields {
		t := schema.TypeFromString(yf.Type)
		if t == schema.TypeInvalid {
			return nil, fmt.Errorf("load: model %s: field %s: unknown type %q", ym.Name, yf.Name, yf.Type)
		}
		m.Fields = append(m.Fields, &schema.Field{
			Name:      yf.Name,
			Type:      t,
			Optional:  yf.Optional,
			Unique:    yf.Unique,
			Default:   normalizeArg(yf.Default),
			Target:    yf.Target,
			FromField: yf.Join.From,
			ToField:   yf.Join.To,
			Many:      yf.Many,
			Attrs:     convertAttrs(yf.Attributes),
		})
	}
	return m, nil
}

func convertAttrs(yas []yamlAttr) []schema.Attribute {
	if len(yas) == 0 {
		return nil
	}
	out := make([]schema.Attribute, len(yas))
	for i, ya := range yas {
		args := make([]any, len(ya.Args))
		for j, a := range ya.Args {
			args[j] = normalizeArg(a)
		}
		out[i] = schema.Attribute{Name: ya.Name, Args: args}
	}
	return out
}

// normalizeArg widens YAML integers so attribute arguments and defaults
// carry a single integer representation.
func normalizeArg(v any) any {
	if n, ok := v.(int); ok {
		return int64(n)
	}
	return v
}
