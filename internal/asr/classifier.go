package asr

import "strings"

// Classifier decides whether recognized text is an emergency trigger.
type Classifier interface {
	// Classify reports whether text triggers an alert and which configured
	// keywords matched, in keyword-list order.
	Classify(text string) (bool, []string)
}

// Keywords is a case-insensitive substring matcher over a fixed keyword
// list. "help me please" matches both "help" and "help me"; every keyword
// found is reported.
type Keywords struct {
	keywords []string
}

func NewKeywords(keywords []string) *Keywords {
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	return &Keywords{keywords: normalized}
}

func (k *Keywords) Classify(text string) (bool, []string) {
	lowered := strings.ToLower(text)
	var matched []string
	for _, kw := range k.keywords {
		if strings.Contains(lowered, kw) {
			matched = append(matched, kw)
		}
	}
	return len(matched) > 0, matched
}
