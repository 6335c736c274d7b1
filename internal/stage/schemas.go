package stage

// Output schemas, one per stage. The oracle client validates decoded payloads
// against these before a result is accepted; anything else counts as a
// malformed reply and burns a retry.

const frameScanSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "detected_features": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "hazards": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "string", "enum": ["low", "medium", "high"]}
  }
}`

const soundScanSchema = `{
  "type": "object",
  "required": ["summary", "detected_sounds"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "detected_sounds": {"type": "array", "items": {"type": "string"}},
    "ambience": {"type": "string"}
  }
}`

const movementEventsSchema = `{
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "note"],
        "properties": {
          "type": {"type": "string"},
          "note": {"type": "string"},
          "severity": {"type": "string", "enum": ["info", "caution", "danger"]}
        }
      }
    }
  }
}`

const trailRecordSchema = `{
  "type": "object",
  "required": ["distance_km", "elevation_gain_m", "duration_minutes", "summary"],
  "properties": {
    "distance_km": {"type": "number", "minimum": 0},
    "elevation_gain_m": {"type": "number", "minimum": 0},
    "duration_minutes": {"type": "number", "minimum": 0},
    "terrain_types": {"type": "array", "items": {"type": "string"}},
    "weather_summary": {"type": "string"},
    "summary": {"type": "string", "minLength": 1}
  }
}`

const milestonesSchema = `{
  "type": "object",
  "required": ["milestones"],
  "properties": {
    "milestones": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["code", "label"],
        "properties": {
          "code": {"type": "string"},
          "label": {"type": "string"},
          "evidence": {"type": "string"}
        }
      }
    }
  }
}`

const visualPatternsSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "patterns": {"type": "array", "items": {"type": "string"}},
    "terrain_observations": {"type": "array", "items": {"type": "string"}},
    "notable_sightings": {"type": "array", "items": {"type": "string"}},
    "summary": {"type": "string", "minLength": 1}
  }
}`

const acousticProfileSchema = `{
  "type": "object",
  "required": ["summary", "detected_sounds"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "detected_sounds": {"type": "array", "items": {"type": "string"}},
    "ambience": {"type": "string"}
  }
}`

const groundTruthSchema = `{
  "type": "object",
  "required": ["findings"],
  "properties": {
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["observation", "verdict"],
        "properties": {
          "observation": {"type": "string"},
          "verdict": {"type": "string", "enum": ["consistent", "divergent", "unclear"]},
          "note": {"type": "string"}
        }
      }
    }
  }
}`

const discoveriesSchema = `{
  "type": "object",
  "required": ["discoveries"],
  "properties": {
    "discoveries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "description", "confidence"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "confidence": {"type": "string", "enum": ["low", "medium", "high"]}
        }
      }
    }
  }
}`

const sensorySummarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "mood": {"type": "string"},
    "highlights": {"type": "array", "items": {"type": "string"}, "maxItems": 5}
  }
}`

const achievementsSchema = `{
  "type": "object",
  "required": ["codes"],
  "properties": {
    "codes": {"type": "array", "items": {"type": "string"}}
  }
}`

const narrativeSchema = `{
  "type": "object",
  "required": ["narrative"],
  "properties": {
    "narrative": {"type": "string", "minLength": 1, "maxLength": 2000}
  }
}`

const finalReportSchema = `{
  "type": "object",
  "required": ["cards"],
  "properties": {
    "cards": {
      "type": "array",
      "maxItems": 6,
      "items": {
        "type": "object",
        "required": ["rank", "title", "insight"],
        "properties": {
          "rank": {"type": "integer", "minimum": 1, "maximum": 6},
          "title": {"type": "string", "minLength": 1},
          "insight": {"type": "string", "minLength": 1},
          "confidence": {"type": "string", "enum": ["low", "medium", "high"]},
          "evidence": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`
