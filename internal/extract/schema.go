package extract

// ResponseSchema is the JSON schema handed to the backend so the model is
// constrained to the extraction output shape.
func ResponseSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"events": map[string]any{
				"type":  "array",
				"items": eventSchema(),
			},
			"todos": map[string]any{
				"type":  "array",
				"items": todoSchema(),
			},
		},
		"required": []string{"events", "todos"},
	}
}

func eventSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source_index":       map[string]any{"type": "integer"},
			"title":              map[string]any{"type": "string"},
			"date":               map[string]any{"type": "string", "description": "YYYY-MM-DD"},
			"start_time":         map[string]any{"type": "string", "description": "HH:MM, empty if not stated"},
			"end_time":           map[string]any{"type": "string"},
			"time_of_day":        map[string]any{"type": "string", "enum": append([]string{""}, TimesOfDay...)},
			"location":           map[string]any{"type": "string"},
			"description":        map[string]any{"type": "string"},
			"child":              map[string]any{"type": "string"},
			"confidence":         map[string]any{"type": "number"},
			"recurring":          map[string]any{"type": "boolean"},
			"recurrence_pattern": map[string]any{"type": "string"},
			"date_inferred":      map[string]any{"type": "boolean"},
		},
		"required": []string{"source_index", "title", "date", "confidence"},
	}
}

func todoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source_index":      map[string]any{"type": "integer"},
			"description":       map[string]any{"type": "string"},
			"category":          map[string]any{"type": "string", "enum": Categories},
			"due_date":          map[string]any{"type": "string", "description": "YYYY-MM-DD, empty if none"},
			"child":             map[string]any{"type": "string"},
			"amount":            map[string]any{"type": "number"},
			"url":               map[string]any{"type": "string"},
			"confidence":        map[string]any{"type": "number"},
			"recurring":         map[string]any{"type": "boolean"},
			"responsible_party": map[string]any{"type": "string"},
			"date_inferred":     map[string]any{"type": "boolean"},
		},
		"required": []string{"source_index", "description", "category", "confidence"},
	}
}
