package realtime

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Postgres change events accepted by filters. "*" matches all of them.
const (
	PostgresEventAll    = "*"
	PostgresEventInsert = "INSERT"
	PostgresEventUpdate = "UPDATE"
	PostgresEventDelete = "DELETE"
)

// PostgresFilter selects the change feed a binding listens to.
type PostgresFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

func (f PostgresFilter) matchesEvent(event string) bool {
	return f.Event == PostgresEventAll || strings.EqualFold(f.Event, event)
}

// PostgresColumn is the column metadata the server sends alongside records.
type PostgresColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// postgresChangeData is the raw "data" object of a postgres_changes frame.
type postgresChangeData struct {
	Schema          string           `json:"schema"`
	Table           string           `json:"table"`
	CommitTimestamp string           `json:"commit_timestamp"`
	Type            string           `json:"type"`
	Columns         []PostgresColumn `json:"columns"`
	Record          map[string]any   `json:"record"`
	OldRecord       map[string]any   `json:"old_record"`
	Errors          any              `json:"errors"`
}

// postgresChangeEnvelope is the full frame payload: server-assigned binding
// ids plus the change data. IDs are opaque; the server may send strings or
// numbers, so they are kept in stringified form.
type postgresChangeEnvelope struct {
	IDs  []any              `json:"ids"`
	Data postgresChangeData `json:"data"`
}

func (e *postgresChangeEnvelope) containsID(id string) bool {
	for _, raw := range e.IDs {
		if stringifyID(raw) == id {
			return true
		}
	}
	return false
}

// stringifyID normalizes a server-assigned binding id to its string form.
func stringifyID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// PostgresChangePayload is the transformed payload handed to user callbacks.
// New is populated for INSERT and UPDATE, Old for UPDATE and DELETE.
type PostgresChangePayload struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"`
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          any            `json:"errors"`
}

// decodePostgresEnvelope reads the ids/data envelope out of a generic
// payload value.
func decodePostgresEnvelope(payload any) (*postgresChangeEnvelope, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var env postgresChangeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.Data.Type == "" {
		return nil, false
	}
	return &env, true
}

// transformPostgresPayload enriches the raw change data with typed new/old
// records decoded according to the column metadata.
func transformPostgresPayload(data postgresChangeData) PostgresChangePayload {
	out := PostgresChangePayload{
		Schema:          data.Schema,
		Table:           data.Table,
		CommitTimestamp: data.CommitTimestamp,
		EventType:       data.Type,
		New:             map[string]any{},
		Old:             map[string]any{},
		Errors:          data.Errors,
	}
	switch data.Type {
	case PostgresEventInsert:
		out.New = convertChangeData(data.Columns, data.Record)
	case PostgresEventUpdate:
		out.New = convertChangeData(data.Columns, data.Record)
		out.Old = convertChangeData(data.Columns, data.OldRecord)
	case PostgresEventDelete:
		out.Old = convertChangeData(data.Columns, data.OldRecord)
	}
	return out
}

// convertChangeData decodes every cell of a record using the column types.
func convertChangeData(columns []PostgresColumn, record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	types := make(map[string]string, len(columns))
	for _, col := range columns {
		types[col.Name] = col.Type
	}
	for name, value := range record {
		out[name] = convertCell(types[name], value)
	}
	return out
}

// convertCell decodes one cell. The replication stream renders most cells as
// strings; cells already carrying a structured value pass through.
func convertCell(typ string, value any) any {
	if value == nil {
		return nil
	}
	// Array types are named with a leading underscore.
	if strings.HasPrefix(typ, "_") {
		if s, ok := value.(string); ok {
			return convertArrayCell(typ[1:], s)
		}
		return value
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch typ {
	case "bool":
		return toBoolean(s)
	case "int2", "int4", "int8", "oid":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "float4", "float8", "numeric":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "json", "jsonb":
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	case "timestamp":
		// "2019-09-10 00:00:00" -> "2019-09-10T00:00:00"
		return strings.Replace(s, " ", "T", 1)
	}
	return s
}

func toBoolean(s string) any {
	switch s {
	case "t", "true":
		return true
	case "f", "false":
		return false
	}
	return s
}

// convertArrayCell parses the "{a,b,c}" literal form into a slice of
// element-converted values.
func convertArrayCell(elemType, s string) any {
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return s
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []any{}
	}
	parts := strings.Split(inner, ",")
	out := make([]any, 0, len(parts))
	for _, part := range parts {
		out = append(out, convertCell(elemType, part))
	}
	return out
}
