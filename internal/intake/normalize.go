package intake

import (
	"encoding/json"
	"fmt"
	"strings"

	"pipeline-backend/internal/pipeline"
)

type typeformAnswer struct {
	Type  string `json:"type"`
	Field struct {
		ID  string `json:"id"`
		Ref string `json:"ref"`
	} `json:"field"`
	Text        *string  `json:"text"`
	Email       *string  `json:"email"`
	PhoneNumber *string  `json:"phone_number"`
	URL         *string  `json:"url"`
	FileURL     *string  `json:"file_url"`
	Date        *string  `json:"date"`
	Number      *float64 `json:"number"`
	Boolean     *bool    `json:"boolean"`
	Choice      *struct {
		Label string `json:"label"`
	} `json:"choice"`
	Choices *struct {
		Labels []string `json:"labels"`
	} `json:"choices"`
}

type webhookBody struct {
	FormResponse *struct {
		FormID  string           `json:"form_id"`
		Token   string           `json:"token"`
		Answers []typeformAnswer `json:"answers"`
	} `json:"form_response"`
	Payload map[string]any `json:"payload"`
	Notes   string         `json:"notes"`
}

// ParseWebhookBody extracts a flat payload from a webhook body. Typeform
// bodies have their answers flattened by field ref; bodies with a "payload"
// object use it directly; any other object is taken as the payload itself.
func ParseWebhookBody(body []byte) (map[string]any, string, error) {
	var parsed webhookBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", fmt.Errorf("%w: body is not a JSON object", pipeline.ErrInvalidInput)
	}

	switch {
	case parsed.FormResponse != nil:
		payload := flattenAnswers(parsed.FormResponse.Answers)
		if parsed.FormResponse.FormID != "" {
			payload["form_id"] = parsed.FormResponse.FormID
		}
		if parsed.FormResponse.Token != "" {
			payload["response_token"] = parsed.FormResponse.Token
		}
		return payload, parsed.Notes, nil
	case parsed.Payload != nil:
		return parsed.Payload, parsed.Notes, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", fmt.Errorf("%w: body is not a JSON object", pipeline.ErrInvalidInput)
	}
	delete(raw, "notes")
	return raw, parsed.Notes, nil
}

func flattenAnswers(answers []typeformAnswer) map[string]any {
	out := make(map[string]any, len(answers))
	for _, a := range answers {
		key := a.Field.Ref
		if key == "" {
			key = a.Field.ID
		}
		if key == "" {
			continue
		}
		if v, ok := answerValue(a); ok {
			out[key] = v
		}
	}
	return out
}

func answerValue(a typeformAnswer) (any, bool) {
	switch strings.ToLower(a.Type) {
	case "text":
		return deref(a.Text)
	case "email":
		return deref(a.Email)
	case "phone_number":
		return deref(a.PhoneNumber)
	case "url":
		return deref(a.URL)
	case "file_url":
		return deref(a.FileURL)
	case "date":
		return deref(a.Date)
	case "number":
		if a.Number == nil {
			return nil, false
		}
		return *a.Number, true
	case "boolean":
		if a.Boolean == nil {
			return nil, false
		}
		return *a.Boolean, true
	case "choice":
		if a.Choice == nil {
			return nil, false
		}
		return a.Choice.Label, true
	case "choices":
		if a.Choices == nil {
			return nil, false
		}
		return append([]string(nil), a.Choices.Labels...), true
	default:
		return nil, false
	}
}

func deref(s *string) (any, bool) {
	if s == nil {
		return nil, false
	}
	return *s, true
}
