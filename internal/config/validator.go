package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      },
      "additionalProperties": false
    },
    "scheduler": {
      "type": "object",
      "properties": {
        "lanes": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "rank": {"type": "integer", "minimum": 0},
              "min_concurrency": {"type": "integer", "minimum": 0},
              "max_concurrency": {"type": "integer", "minimum": 1},
              "timeout_seconds": {"type": "integer", "minimum": 0},
              "max_retries": {"type": "integer", "minimum": 0},
              "rate_per_minute": {"type": "integer", "minimum": 0},
              "boost_after_seconds": {"type": "integer", "minimum": 0}
            },
            "required": ["name"],
            "additionalProperties": false
          }
        },
        "dlq_capacity": {"type": "integer", "minimum": 1},
        "dlq_store_path": {"type": "string"},
        "aging_interval": {"type": "string"},
        "alert_warning": {"type": "integer", "minimum": 1},
        "alert_critical": {"type": "integer", "minimum": 1},
        "audit_log_path": {"type": "string"},
        "tracing_enabled": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "partition": {
      "type": "object",
      "properties": {
        "inline_threshold": {"type": "integer", "minimum": 0},
        "trivial_kinds": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// ValidateFile checks a config file against the JSON schema.
func ValidateFile(path string) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewReferenceLoader("file://" + path)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var msgs []string
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
