package mcp

// Parameter interface for all parameter types
type Parameter interface {
	toParamDef() paramDef
}

// Option marks the modifiers the parameter constructors accept.
type Option interface {
	isOption()
}

type parameterBase struct {
	name        string
	description string
	required    bool
}

type requiredOption struct{}

func (requiredOption) isOption() {}

// Required marks a parameter as mandatory.
func Required() Option {
	return requiredOption{}
}

func processOptions(options []Option) bool {
	for _, opt := range options {
		if _, ok := opt.(requiredOption); ok {
			return true
		}
	}
	return false
}

type stringParam struct {
	parameterBase
}

func (s *stringParam) toParamDef() paramDef {
	return paramDef{
		name:        s.name,
		paramType:   "string",
		description: s.description,
		required:    s.required,
	}
}

type numberParam struct {
	parameterBase
}

func (n *numberParam) toParamDef() paramDef {
	return paramDef{
		name:        n.name,
		paramType:   "number",
		description: n.description,
		required:    n.required,
	}
}

type booleanParam struct {
	parameterBase
}

func (b *booleanParam) toParamDef() paramDef {
	return paramDef{
		name:        b.name,
		paramType:   "boolean",
		description: b.description,
		required:    b.required,
	}
}

type stringArrayParam struct {
	parameterBase
}

func (s *stringArrayParam) toParamDef() paramDef {
	return paramDef{
		name:        s.name,
		paramType:   "array:string",
		description: s.description,
		required:    s.required,
	}
}

type objectParam struct {
	parameterBase
	properties []Parameter
}

func (o *objectParam) toParamDef() paramDef {
	props := make(map[string]*paramDef, len(o.properties))
	order := make([]string, 0, len(o.properties))
	for _, p := range o.properties {
		def := p.toParamDef()
		props[def.name] = &def
		order = append(order, def.name)
	}
	return paramDef{
		name:        o.name,
		paramType:   "object",
		description: o.description,
		required:    o.required,
		properties:  props,
		propOrder:   order,
	}
}

// String creates a string parameter
func String(name, description string, options ...Option) Parameter {
	return &stringParam{parameterBase{name, description, processOptions(options)}}
}

// Number creates a number parameter
func Number(name, description string, options ...Option) Parameter {
	return &numberParam{parameterBase{name, description, processOptions(options)}}
}

// Boolean creates a boolean parameter
func Boolean(name, description string, options ...Option) Parameter {
	return &booleanParam{parameterBase{name, description, processOptions(options)}}
}

// StringArray creates a string array parameter
func StringArray(name, description string, options ...Option) Parameter {
	return &stringArrayParam{parameterBase{name, description, processOptions(options)}}
}

// Object creates an object parameter with nested properties.
// Accepts Parameter values for properties and Required() among them.
func Object(name, description string, propertiesAndOptions ...interface{}) Parameter {
	var properties []Parameter
	required := false
	for _, item := range propertiesAndOptions {
		switch v := item.(type) {
		case Parameter:
			properties = append(properties, v)
		case requiredOption:
			required = true
		}
	}
	return &objectParam{
		parameterBase: parameterBase{name, description, required},
		properties:    properties,
	}
}

// NewTool creates a new tool with the declarative API.
func NewTool(name, description string, parameters ...Parameter) *ToolBuilder {
	t := &ToolBuilder{name: name, description: description}
	for _, param := range parameters {
		t.params = append(t.params, param.toParamDef())
	}
	return t
}
