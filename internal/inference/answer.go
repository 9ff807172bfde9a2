package inference

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultModel names answers whose payload did not report a model.
const DefaultModel = "inference"

type Source struct {
	Title     string   `json:"title"`
	URL       string   `json:"url,omitempty"`
	Relevance *float64 `json:"relevance,omitempty"`
}

// ChatAnswer is the typed form of a chat payload. Slices and Metadata are
// never nil so they encode as [] and {}.
type ChatAnswer struct {
	Response   string         `json:"response"`
	Sources    []Source       `json:"sources"`
	DietPlan   []string       `json:"diet_plan"`
	Confidence float64        `json:"confidence"`
	Model      string         `json:"model"`
	Metadata   map[string]any `json:"metadata"`
}

// extractor pulls one field out of a loosely shaped payload.
type extractor[T any] func(root gjson.Result) (T, bool)

// firstOf returns the value of the first extractor that hits.
func firstOf[T any](root gjson.Result, extractors ...extractor[T]) (T, bool) {
	for _, ex := range extractors {
		if v, ok := ex(root); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

var (
	responseText = []extractor[string]{
		stringAt("response"), stringAt("text"), stringAt("summary"), stringAt("answer"),
	}
	sourceList = []extractor[[]Source]{
		sourcesAt("sources"), sourcesAt("references"),
	}
	dietPlan = []extractor[[]string]{
		stringsAt("diet_plan"), stringsAt("dietPlan"), stringsAt("recommendations"),
	}
	confidence = []extractor[float64]{
		numberAt("confidence"), numberAt("score"), numberAt("metadata.confidence"),
	}
	modelName = []extractor[string]{
		stringAt("model"), stringAt("model_name"), stringAt("metadata.model"),
	}
)

// ParseChatAnswer converts a chat payload into a ChatAnswer. A payload that is
// not a JSON object, or that carries no response text, is reported as a 502
// *RemoteError.
func ParseChatAnswer(raw json.RawMessage) (*ChatAnswer, error) {
	if !gjson.ValidBytes(raw) {
		return nil, malformed(opChat)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, malformed(opChat)
	}

	text, ok := firstOf(root, responseText...)
	if !ok {
		return nil, malformed(opChat)
	}

	ans := &ChatAnswer{
		Response: text,
		Sources:  []Source{},
		DietPlan: []string{},
		Model:    DefaultModel,
		Metadata: map[string]any{},
	}
	if v, ok := firstOf(root, sourceList...); ok {
		ans.Sources = v
	}
	if v, ok := firstOf(root, dietPlan...); ok {
		ans.DietPlan = v
	}
	if v, ok := firstOf(root, confidence...); ok {
		ans.Confidence = ClampConfidence(v)
	}
	if v, ok := firstOf(root, modelName...); ok {
		ans.Model = v
	}
	if md := root.Get("metadata"); md.IsObject() {
		if err := json.Unmarshal([]byte(md.Raw), &ans.Metadata); err != nil {
			ans.Metadata = map[string]any{}
		}
	}
	return ans, nil
}

// ClampConfidence forces v into [0,1]. NaN becomes 0.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func stringAt(path string) extractor[string] {
	return func(root gjson.Result) (string, bool) {
		r := root.Get(path)
		if r.Type != gjson.String || r.String() == "" {
			return "", false
		}
		return r.String(), true
	}
}

func numberAt(path string) extractor[float64] {
	return func(root gjson.Result) (float64, bool) {
		r := root.Get(path)
		switch r.Type {
		case gjson.Number:
			return r.Float(), true
		case gjson.String:
			// some upstreams quote their numbers
			f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
			if err != nil {
				return 0, false
			}
			return f, true
		default:
			return 0, false
		}
	}
}

func stringsAt(path string) extractor[[]string] {
	return func(root gjson.Result) ([]string, bool) {
		r := root.Get(path)
		if !r.IsArray() {
			return nil, false
		}
		out := []string{}
		r.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				out = append(out, v.String())
			}
			return true
		})
		return out, true
	}
}

func sourcesAt(path string) extractor[[]Source] {
	return func(root gjson.Result) ([]Source, bool) {
		r := root.Get(path)
		if !r.IsArray() {
			return nil, false
		}
		out := []Source{}
		r.ForEach(func(_, v gjson.Result) bool {
			switch {
			case v.Type == gjson.String:
				out = append(out, Source{Title: v.String()})
			case v.IsObject():
				src := Source{
					Title: v.Get("title").String(),
					URL:   v.Get("url").String(),
				}
				if src.Title == "" {
					src.Title = v.Get("name").String()
				}
				if rel := v.Get("relevance"); rel.Type == gjson.Number {
					f := rel.Float()
					src.Relevance = &f
				}
				out = append(out, src)
			}
			return true
		})
		return out, true
	}
}
