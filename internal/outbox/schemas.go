package outbox

const activityUpsertedSchema = `{
  "type": "object",
  "title": "ActivityUpserted",
  "properties": {
    "owner_id": {"type": "string"},
    "vendor_activity_id": {"type": "string"},
    "discipline": {"type": "string", "enum": ["swim", "bike", "run"]},
    "activity_date": {"type": "string", "format": "date"},
    "distance_m": {"type": ["number", "null"]},
    "moving_time_s": {"type": ["integer", "null"]},
    "created": {"type": "boolean"},
    "sync_id": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["owner_id", "vendor_activity_id", "discipline", "activity_date", "created", "sync_id", "occurred_at"],
  "additionalProperties": false
}`

const syncCompletedSchema = `{
  "type": "object",
  "title": "SyncCompleted",
  "properties": {
    "sync_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "state": {"type": "string", "enum": ["idle", "failed"]},
    "fetched": {"type": "integer"},
    "normalized": {"type": "integer"},
    "skipped": {"type": "integer"},
    "created": {"type": "integer"},
    "updated": {"type": "integer"},
    "failed": {"type": "integer"},
    "truncated": {"type": "boolean"},
    "started_at": {"type": "string", "format": "date-time"},
    "finished_at": {"type": "string", "format": "date-time"},
    "error": {"type": "string"}
  },
  "required": ["sync_id", "owner_id", "state", "fetched", "normalized", "skipped", "started_at", "finished_at"],
  "additionalProperties": false
}`
