package outbox

const activityIngestedSchema = `{
  "type": "object",
  "title": "ActivityIngested",
  "properties": {
    "activity_id": {"type": "string"},
    "user_id": {"type": "string"},
    "external_id": {"type": "string"},
    "source": {"type": "string"},
    "status": {"type": "string"},
    "richness": {"type": "number"},
    "started_at": {"type": "string", "format": "date-time"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "external_id", "source", "status", "richness", "started_at", "occurred_at"],
  "additionalProperties": false
}`

const datesAffectedSchema = `{
  "type": "object",
  "title": "DatesAffected",
  "properties": {
    "user_id": {"type": "string"},
    "dates": {"type": "array", "items": {"type": "string", "format": "date"}},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "dates", "occurred_at"],
  "additionalProperties": false
}`
