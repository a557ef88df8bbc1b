package outbox

const syncCompletedSchema = `{
  "type": "object",
  "title": "SyncCompleted",
  "properties": {
    "user_id": {"type": "string"},
    "steps_records": {"type": "integer", "minimum": 0},
    "weight_records": {"type": "integer", "minimum": 0},
    "sleep_records": {"type": "integer", "minimum": 0},
    "total_records": {"type": "integer", "minimum": 0},
    "failed_stages": {"type": "array", "items": {"type": "string"}},
    "synced_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "steps_records", "weight_records", "sleep_records", "total_records", "synced_at"],
  "additionalProperties": false
}`
