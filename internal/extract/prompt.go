package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Categories recognized for todos, in prompt order.
var Categories = []string{
	"payment", "purchase", "pack", "sign", "fill", "read", "reminder", "homework",
}

// ValidCategory reports whether c is a known todo category.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Time-of-day buckets the model may return instead of a clock time.
var TimesOfDay = []string{"morning", "afternoon", "evening", "all_day"}

// buildPrompt constructs the extraction prompt for one batch.
func buildPrompt(input BatchInput) string {
	var sb strings.Builder

	sb.WriteString("You are an assistant for busy parents that reads school and activity emails.\n")
	sb.WriteString("Your task is to extract calendar events and action items (todos) from the emails below.\n\n")

	sb.WriteString(fmt.Sprintf("Today's date is %s. Resolve relative dates (\"next Friday\", \"tomorrow\") against it and set date_inferred to true whenever you had to infer a date.\n\n", input.Today))

	if len(input.Profiles) > 0 {
		sb.WriteString("<CHILDREN>\n")
		sb.WriteString("The family's children appear under opaque tokens. Copy tokens verbatim into the child field; never invent a name:\n")
		b, _ := json.MarshalIndent(input.Profiles, "", "  ")
		sb.WriteString(string(b))
		sb.WriteString("\n</CHILDREN>\n\n")
	}

	if len(input.Examples) > 0 {
		sb.WriteString("<EXAMPLES>\n")
		sb.WriteString("Previously graded extractions. Imitate the RELEVANT ones and avoid producing items like the NOT RELEVANT ones:\n")
		for _, ex := range input.Examples {
			grade := "NOT RELEVANT"
			if ex.Relevant {
				grade = "RELEVANT"
			}
			label := ex.ItemType
			if ex.Category != "" {
				label += ": " + ex.Category
			}
			sb.WriteString(fmt.Sprintf("[%s %s]\n%s\n", grade, label, ex.Payload))
		}
		sb.WriteString("</EXAMPLES>\n\n")
	}

	sb.WriteString("<EMAILS>\n")
	for _, em := range input.Emails {
		sb.WriteString(fmt.Sprintf("EMAIL %d\n", em.Index))
		sb.WriteString(fmt.Sprintf("From: %s\n", em.Sender))
		sb.WriteString(fmt.Sprintf("Subject: %s\n", em.Subject))
		if em.Received != "" {
			sb.WriteString(fmt.Sprintf("Received: %s\n", em.Received))
		}
		sb.WriteString(em.Body)
		sb.WriteString("\n---\n")
	}
	sb.WriteString("</EMAILS>\n\n")

	sb.WriteString(`## Instructions

Extract **events** and **todos** from the EMAILS.

### Events

1. Anything with a date a parent must show up for or remember: trips, concerts, mufti days, matches, parent evenings, deadlines phrased as occasions.
2. date is required (YYYY-MM-DD). Give start_time/end_time as HH:MM when the email states a clock time; otherwise leave them empty and set time_of_day to one of morning, afternoon, evening, all_day.
3. Set recurring and recurrence_pattern ("every Tuesday") for repeating events.

### Todos

1. Anything the parent must do: pay, buy, pack, sign, fill in, read, remember, or help with homework.
2. category must be one of: `)
	sb.WriteString(strings.Join(Categories, ", "))
	sb.WriteString(`.
3. due_date (YYYY-MM-DD) only when the email gives or implies one.
4. For payments include amount (number, no currency symbol) and url when present.
5. responsible_party is who must act ("parent", "child") when the email says so.

### General Rules

- source_index is the EMAIL number the item came from.
- confidence is your certainty in [0, 1] that the item is real and relevant to this family.
- The child field must be a token from CHILDREN or empty. Skip items clearly about other families' children.
- Do not extract marketing, newsletters without actions, or past events.

`)

	sb.WriteString(`## Output Schema

Return a JSON object with this exact structure:
{
  "events": [
    {
      "source_index": 0,
      "title": "Year 4 school trip",
      "date": "2026-03-12",
      "start_time": "09:30",
      "end_time": "",
      "time_of_day": "",
      "location": "Science Museum",
      "description": "",
      "child": "CHILD_1",
      "confidence": 0.9,
      "recurring": false,
      "recurrence_pattern": "",
      "date_inferred": false
    }
  ],
  "todos": [
    {
      "source_index": 0,
      "description": "Pay for the school trip",
      "category": "payment",
      "due_date": "2026-03-05",
      "child": "CHILD_1",
      "amount": 12.5,
      "url": "https://pay.example.com/trip",
      "confidence": 0.9,
      "recurring": false,
      "responsible_party": "parent",
      "date_inferred": false
    }
  ]
}

Return ONLY the JSON object, no other text.
`)

	return sb.String()
}
