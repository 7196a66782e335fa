package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
)

// Snapshot is the flat export shape.
type Snapshot struct {
	Profile
	LongTerm  []LongTermMemory  `json:"longTermMemory"`
	ShortTerm []ShortTermMemory `json:"shortTermMemory"`
	Archived  []ShortTermMemory `json:"archivedMemory"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Profile:   s.profile,
		LongTerm:  nonNilLongTerm(cloneLongTerm(s.longTerm)),
		ShortTerm: nonNilTurns(cloneTurns(s.shortTerm)),
		Archived:  nonNilTurns(cloneTurns(s.archived)),
	}
}

func (s *Store) ExportAllMemory() ([]byte, error) {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export memory: %w", err)
	}
	return data, nil
}

// ImportAllMemory replaces the whole store with an exported payload. The
// payload is validated before anything is touched; a *FormatError is returned
// when it does not match the export shape.
func (s *Store) ImportAllMemory(data []byte) error {
	snap, err := ParseSnapshot(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistSnapshot(*snap); err != nil {
		return fmt.Errorf("import memory: %w", err)
	}
	s.commitSnapshot(*snap)
	log.Printf("[memory] imported %d long-term, %d short-term, %d archived entries",
		len(snap.LongTerm), len(snap.ShortTerm), len(snap.Archived))
	return nil
}

// ParseSnapshot validates and decodes an export payload.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &FormatError{Reason: "invalid JSON: " + err.Error()}
	}
	if dec.More() {
		return nil, &FormatError{Reason: "trailing data after JSON object"}
	}
	if err := validateSnapshot(raw); err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}
	return &snap, nil
}

func validateSnapshot(raw any) error {
	obj, ok := raw.(map[string]any)
	if !ok {
		return formatErrorf("$", "expected object, got %s", typeName(raw))
	}
	for _, key := range []string{keySelfName, keyUserName, keyMemoryAboutSelf, keyMemoryAboutUser} {
		if err := requireString(obj, "$", key); err != nil {
			return err
		}
	}
	if err := validateArray(obj, keyLongTerm, validateLongTerm); err != nil {
		return err
	}
	if err := validateArray(obj, keyShortTerm, validateTurn); err != nil {
		return err
	}
	return validateArray(obj, keyArchived, validateTurn)
}

func validateArray(obj map[string]any, key string, each func(path string, v any) error) error {
	v, ok := obj[key]
	if !ok {
		return formatErrorf("$."+key, "missing")
	}
	arr, ok := v.([]any)
	if !ok {
		return formatErrorf("$."+key, "expected array, got %s", typeName(v))
	}
	for i, item := range arr {
		if err := each(fmt.Sprintf("$.%s[%d]", key, i), item); err != nil {
			return err
		}
	}
	return nil
}

func validateLongTerm(path string, v any) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return formatErrorf(path, "expected object, got %s", typeName(v))
	}
	for _, key := range []string{"uuid", "summary"} {
		if err := requireString(obj, path, key); err != nil {
			return err
		}
	}
	for _, key := range []string{"startTime", "endTime"} {
		if err := requireInteger(obj, path, key); err != nil {
			return err
		}
	}
	if vec, ok := obj["vector"]; ok && vec != nil {
		arr, ok := vec.([]any)
		if !ok {
			return formatErrorf(path+".vector", "expected array, got %s", typeName(vec))
		}
		for i, x := range arr {
			if _, ok := x.(json.Number); !ok {
				return formatErrorf(fmt.Sprintf("%s.vector[%d]", path, i), "expected number, got %s", typeName(x))
			}
		}
	}
	return nil
}

func validateTurn(path string, v any) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return formatErrorf(path, "expected object, got %s", typeName(v))
	}
	for _, key := range []string{"role", "content", "uuid"} {
		if err := requireString(obj, path, key); err != nil {
			return err
		}
	}
	switch Role(obj["role"].(string)) {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return formatErrorf(path+".role", "unknown role %q", obj["role"])
	}
	if err := requireInteger(obj, path, "timestamp"); err != nil {
		return err
	}
	if err := optionalString(obj, path, "tool_call_id"); err != nil {
		return err
	}
	if calls, ok := obj["tool_calls"]; ok && calls != nil {
		arr, ok := calls.([]any)
		if !ok {
			return formatErrorf(path+".tool_calls", "expected array, got %s", typeName(calls))
		}
		for i, c := range arr {
			if err := validateToolCall(fmt.Sprintf("%s.tool_calls[%d]", path, i), c); err != nil {
				return err
			}
		}
	}
	if recall, ok := obj["recall"]; ok && recall != nil {
		if err := validateRecall(path+".recall", recall); err != nil {
			return err
		}
	}
	return nil
}

func validateToolCall(path string, v any) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return formatErrorf(path, "expected object, got %s", typeName(v))
	}
	if err := requireString(obj, path, "id"); err != nil {
		return err
	}
	if err := optionalString(obj, path, "type"); err != nil {
		return err
	}
	fn, ok := obj["function"].(map[string]any)
	if !ok {
		return formatErrorf(path+".function", "expected object, got %s", typeName(obj["function"]))
	}
	for _, key := range []string{"name", "arguments"} {
		if err := requireString(fn, path+".function", key); err != nil {
			return err
		}
	}
	return nil
}

func validateRecall(path string, v any) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return formatErrorf(path, "expected object, got %s", typeName(v))
	}
	if err := requireString(obj, path, "description"); err != nil {
		return err
	}
	ids, ok := obj["uuids"].([]any)
	if !ok {
		return formatErrorf(path+".uuids", "expected array, got %s", typeName(obj["uuids"]))
	}
	for i, id := range ids {
		if _, ok := id.(string); !ok {
			return formatErrorf(fmt.Sprintf("%s.uuids[%d]", path, i), "expected string, got %s", typeName(id))
		}
	}
	if sims, ok := obj["similarities"]; ok && sims != nil {
		arr, ok := sims.([]any)
		if !ok {
			return formatErrorf(path+".similarities", "expected array, got %s", typeName(sims))
		}
		for i, x := range arr {
			if _, ok := x.(json.Number); !ok {
				return formatErrorf(fmt.Sprintf("%s.similarities[%d]", path, i), "expected number, got %s", typeName(x))
			}
		}
	}
	return nil
}

func requireString(obj map[string]any, path, key string) error {
	v, ok := obj[key]
	if !ok {
		return formatErrorf(path+"."+key, "missing")
	}
	if _, ok := v.(string); !ok {
		return formatErrorf(path+"."+key, "expected string, got %s", typeName(v))
	}
	return nil
}

func optionalString(obj map[string]any, path, key string) error {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	if _, ok := v.(string); !ok {
		return formatErrorf(path+"."+key, "expected string, got %s", typeName(v))
	}
	return nil
}

func requireInteger(obj map[string]any, path, key string) error {
	v, ok := obj[key]
	if !ok {
		return formatErrorf(path+"."+key, "missing")
	}
	n, ok := v.(json.Number)
	if !ok {
		return formatErrorf(path+"."+key, "expected number, got %s", typeName(v))
	}
	if _, err := n.Int64(); err != nil {
		return formatErrorf(path+"."+key, "expected integer milliseconds, got %s", n.String())
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
