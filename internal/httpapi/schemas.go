package httpapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request bodies are checked for shape here; the market package still owns
// the content rules (lengths, price format, ownership).
const (
	createAgentSchema = `{
  "type": "object",
  "required": ["title", "description", "type", "price"],
  "additionalProperties": false,
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "price": {"type": "string", "minLength": 1},
    "thumbnailUrl": {"type": "string"},
    "status": {"enum": ["active", "inactive", "evolving"]},
    "isPublic": {"type": "boolean"},
    "baseModel": {"type": "string"},
    "parameters": {"type": "object"},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "verificationMode": {"type": "string"}
  }
}`

	purchaseSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "txHash": {"type": "string"}
  }
}`

	inferenceSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["system", "user", "assistant"]},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

	compositionSchema = `{
  "type": "object",
  "required": ["title", "composition"],
  "additionalProperties": false,
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "composition": {
      "type": "array",
      "minItems": 2,
      "items": {
        "type": "object",
        "required": ["agentId"],
        "properties": {
          "agentId": {"type": "integer", "minimum": 1},
          "role": {"type": "string"},
          "order": {"type": "integer"}
        }
      }
    }
  }
}`

	createUserSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "email": {"type": "string"},
    "walletAddress": {"type": "string"},
    "isAdmin": {"type": "boolean"}
  }
}`

	updateProfileSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "email": {"type": "string"},
    "walletAddress": {"type": "string"},
    "displayName": {"type": "string"},
    "bio": {"type": "string"}
  }
}`
)

type schemas struct {
	createAgent   *jsonschema.Schema
	purchase      *jsonschema.Schema
	inference     *jsonschema.Schema
	composition   *jsonschema.Schema
	createUser    *jsonschema.Schema
	updateProfile *jsonschema.Schema
}

func compileSchemas() (schemas, error) {
	var (
		s   schemas
		err error
	)
	for _, def := range []struct {
		name string
		src  string
		dst  **jsonschema.Schema
	}{
		{"create_agent", createAgentSchema, &s.createAgent},
		{"purchase", purchaseSchema, &s.purchase},
		{"inference", inferenceSchema, &s.inference},
		{"composition", compositionSchema, &s.composition},
		{"create_user", createUserSchema, &s.createUser},
		{"update_profile", updateProfileSchema, &s.updateProfile},
	} {
		if *def.dst, err = compileSchema(def.name, def.src); err != nil {
			return schemas{}, err
		}
	}
	return s, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	url := "mem://agentmarket/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return sch, nil
}

// schemaMessage turns a validation failure into a short client message
// pointing at the first offending location.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "invalid request body"
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("invalid request body at %s: %s", loc, leaf.Message)
}
