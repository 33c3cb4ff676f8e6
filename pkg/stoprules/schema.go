package stoprules

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// supportedVersions gates which DSL document versions this evaluator accepts.
// Minor bumps within 1.x are additive and safe to evaluate.
var supportedVersions = mustConstraint(">=1.0.0 <2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

const schemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "rules"],
  "properties": {
    "version": {"type": "string"},
    "evaluation_interval_sec": {"type": "integer", "minimum": 30},
    "safe_mode_on_error": {"type": "boolean"},
    "global_settings": {
      "type": "object",
      "properties": {
        "default_currency": {"type": "string"},
        "timezone": {"type": "string"},
        "notification_channels": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "rules": {
      "type": "array",
      "items": {"$ref": "#/$defs/rule"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "gating": {
      "type": "object",
      "properties": {
        "min_elapsed_sec": {"type": "integer", "minimum": 0},
        "min_total_clicks": {"type": "integer", "minimum": 0},
        "min_total_spend": {"type": "number", "minimum": 0},
        "min_total_impressions": {"type": "integer", "minimum": 0},
        "required_status": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["id", "type", "enabled", "action", "severity"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": [
          "spend_total_cap", "spend_daily_cap", "cpa_cap",
          "cv_zero_duration", "measurement_anomaly",
          "meta_rejected", "sync_failure_streak"
        ]},
        "enabled": {"type": "boolean"},
        "description": {"type": "string"},
        "gating": {"$ref": "#/$defs/gating"},
        "action": {"enum": ["pause_run", "pause_bundle", "notify_only", "create_incident"]},
        "severity": {"enum": ["low", "medium", "high", "critical"]},
        "threshold": {"type": "number", "exclusiveMinimum": 0},
        "currency": {"type": "string"},
        "cv_event_types": {"type": "array", "items": {"type": "string"}},
        "duration_sec": {"type": "integer", "exclusiveMinimum": 0},
        "min_spend": {"type": "number", "minimum": 0},
        "max_gap_sec": {"type": "integer", "exclusiveMinimum": 0},
        "event_types": {"type": "array", "items": {"type": "string"}},
        "entity_types": {"type": "array", "items": {"type": "string"}},
        "max_rejected_count": {"type": "integer", "minimum": 0},
        "job_types": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false,
      "allOf": [
        {"if": {"properties": {"type": {"const": "spend_total_cap"}}}, "then": {"required": ["threshold"]}},
        {"if": {"properties": {"type": {"const": "spend_daily_cap"}}}, "then": {"required": ["threshold"]}},
        {"if": {"properties": {"type": {"const": "cpa_cap"}}}, "then": {"required": ["threshold"]}},
        {"if": {"properties": {"type": {"const": "cv_zero_duration"}}}, "then": {"required": ["duration_sec"]}},
        {"if": {"properties": {"type": {"const": "measurement_anomaly"}}}, "then": {"required": ["max_gap_sec"]}},
        {"if": {"properties": {"type": {"const": "sync_failure_streak"}}}, "then": {"required": ["threshold"]}}
      ]
    }
  }
}`

var schema = jsonschema.MustCompileString("stoprules.schema.json", schemaText)

// Parse validates raw against the DSL schema and the version gate, returning
// the decoded document.
func Parse(raw []byte) (*Document, error) {
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("stoprules: decode: %w", err)
	}
	if err := schema.Validate(loose); err != nil {
		return nil, fmt.Errorf("stoprules: schema: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("stoprules: decode: %w", err)
	}
	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("stoprules: version %q: %w", doc.Version, err)
	}
	if !supportedVersions.Check(v) {
		return nil, fmt.Errorf("stoprules: unsupported version %q", doc.Version)
	}
	ids := map[string]bool{}
	for _, r := range doc.Rules {
		if ids[r.ID] {
			return nil, fmt.Errorf("stoprules: duplicate rule id %q", r.ID)
		}
		ids[r.ID] = true
	}
	return &doc, nil
}
