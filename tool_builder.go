package mcp

// ToolBuilder accumulates the name, description and parameter definitions
// of a tool before registration.
type ToolBuilder struct {
	name        string
	description string
	params      []paramDef
}

type paramDef struct {
	name        string
	paramType   string
	description string
	required    bool
	properties  map[string]*paramDef
	propOrder   []string
}

func (t *ToolBuilder) Name() string        { return t.name }
func (t *ToolBuilder) Description() string { return t.description }

// BuildSchema renders the accumulated parameters as a JSON Schema object.
// The schema always carries explicit properties and additionalProperties:false;
// hosted LLM clients refuse tools whose schema has an empty properties map,
// so the registry rejects parameterless schemas unless the tool declares
// zero parameters on purpose.
func (t *ToolBuilder) BuildSchema() map[string]interface{} {
	return buildSchemaFromParams(t.params)
}

func buildSchemaFromParams(params []paramDef) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	var required []string

	for _, param := range params {
		properties[param.name] = param.toJSONSchema()
		if param.required {
			required = append(required, param.name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (p paramDef) toJSONSchema() map[string]interface{} {
	prop := map[string]interface{}{}
	switch p.paramType {
	case "array:string":
		prop["type"] = "array"
		prop["items"] = map[string]interface{}{"type": "string"}
	case "object":
		prop["type"] = "object"
		nested := make(map[string]interface{}, len(p.properties))
		var nestedRequired []string
		for _, name := range p.propOrder {
			def := p.properties[name]
			nested[name] = def.toJSONSchema()
			if def.required {
				nestedRequired = append(nestedRequired, name)
			}
		}
		prop["properties"] = nested
		prop["additionalProperties"] = false
		if len(nestedRequired) > 0 {
			prop["required"] = nestedRequired
		}
	default:
		prop["type"] = p.paramType
	}
	if p.description != "" {
		prop["description"] = p.description
	}
	return prop
}
