// Copyright (c) 2026 EnergyMe Project Contributors
// Licensed under the MIT License

package config

import (
	"encoding/json"
	"fmt"

	"github.com/ghodss/yaml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/topogigio/energyme-home-core/pkg/util"
)

// channelDataSchema is the JSON schema for a single ChannelData update
// payload, checked ahead of the field-by-field validators as a second line
// of defense against malformed API calls (SPEC_FULL.md §4.5).
const channelDataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "index": {"type": "integer", "minimum": 0, "maximum": 16},
    "active": {"type": "boolean"},
    "reverse": {"type": "boolean"},
    "label": {"type": "string", "maxLength": 64},
    "phase": {"type": "integer", "minimum": 0, "maximum": 2},
    "ctSpecification": {
      "type": "object",
      "properties": {
        "currentRating": {"type": "number", "exclusiveMinimum": 0},
        "voltageOutput": {"type": "number", "exclusiveMinimum": 0},
        "scalingFraction": {"type": "number"}
      }
    }
  },
  "additionalProperties": false
}`

// ade7953ConfigurationSchema is the JSON schema for a calibration update.
const ade7953ConfigurationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {"type": "number"}
}`

// ValidateChannelDataSchema validates a decoded channel-data JSON payload
// against the schema above before the field-by-field validators run.
func ValidateChannelDataSchema(payload map[string]interface{}) error {
	return validateAgainstSchema(channelDataSchema, payload)
}

// ValidateAde7953ConfigurationSchema validates a calibration JSON payload.
func ValidateAde7953ConfigurationSchema(payload map[string]interface{}) error {
	return validateAgainstSchema(ade7953ConfigurationSchema, payload)
}

func validateAgainstSchema(schema string, payload map[string]interface{}) error {
	schemaLoader := gojsonschema.NewStringLoader(schema)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate payload schema: %w", err)
	}

	if !result.Valid() {
		var errs string
		for _, desc := range result.Errors() {
			errs += "- " + desc.String() + "\n"
		}
		return fmt.Errorf("payload is not valid:\n%s", errs)
	}

	return nil
}

// ValidateWithSchema validates a YAML config file against a JSON schema
// file on disk, following the reference repository's file-based schema
// validation shape for the engine YAML configuration itself.
func ValidateWithSchema(configPath, schemaPath string) error {
	schemaLoader := gojsonschema.NewReferenceLoader("file://" + schemaPath)

	yamlFile, err := util.ReadFileSafely(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var configData interface{}
	if err := yaml.Unmarshal(yamlFile, &configData); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	jsonData, err := json.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	documentLoader := gojsonschema.NewBytesLoader(jsonData)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate config schema: %w", err)
	}

	if !result.Valid() {
		var errs string
		for _, desc := range result.Errors() {
			errs += "- " + desc.String() + "\n"
		}
		return fmt.Errorf("configuration is not valid:\n%s", errs)
	}

	return nil
}
