package inference

import (
	"encoding/json"
	"testing"
)

func TestParseChatAnswer_CanonicalKeys(t *testing.T) {
	raw := json.RawMessage(`{
		"response": "Eat more greens.",
		"sources": [{"title":"WHO","url":"https://who.int","relevance":0.9}, "Mayo Clinic"],
		"diet_plan": ["spinach", "kale"],
		"confidence": 0.82,
		"model": "llama3",
		"metadata": {"rag": true}
	}`)

	ans, err := ParseChatAnswer(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Response != "Eat more greens." || ans.Model != "llama3" || ans.Confidence != 0.82 {
		t.Fatalf("unexpected answer: %+v", ans)
	}
	if len(ans.Sources) != 2 || ans.Sources[0].URL != "https://who.int" || ans.Sources[1].Title != "Mayo Clinic" {
		t.Fatalf("unexpected sources: %+v", ans.Sources)
	}
	if ans.Sources[0].Relevance == nil || *ans.Sources[0].Relevance != 0.9 {
		t.Fatalf("relevance not parsed")
	}
	if len(ans.DietPlan) != 2 || ans.Metadata["rag"] != true {
		t.Fatalf("unexpected diet plan or metadata: %+v", ans)
	}
}

func TestParseChatAnswer_Aliases(t *testing.T) {
	raw := json.RawMessage(`{
		"summary": "from summary",
		"references": ["ref"],
		"recommendations": ["walk"],
		"metadata": {"confidence": 0.4, "model": "meta-model"}
	}`)

	ans, err := ParseChatAnswer(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Response != "from summary" {
		t.Fatalf("response = %q", ans.Response)
	}
	if ans.Confidence != 0.4 || ans.Model != "meta-model" {
		t.Fatalf("confidence/model = %v/%q", ans.Confidence, ans.Model)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Title != "ref" {
		t.Fatalf("sources = %+v", ans.Sources)
	}
	if len(ans.DietPlan) != 1 || ans.DietPlan[0] != "walk" {
		t.Fatalf("diet plan = %+v", ans.DietPlan)
	}
}

func TestParseChatAnswer_PriorityOrder(t *testing.T) {
	raw := json.RawMessage(`{"text":"second","response":"first","score":0.3,"confidence":0.7,"model_name":"b","model":"a"}`)
	ans, err := ParseChatAnswer(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Response != "first" || ans.Confidence != 0.7 || ans.Model != "a" {
		t.Fatalf("priority not respected: %+v", ans)
	}
}

func TestParseChatAnswer_DefaultsAndClamp(t *testing.T) {
	ans, err := ParseChatAnswer(json.RawMessage(`{"answer":"x","confidence":7}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Confidence != 1 {
		t.Fatalf("confidence not clamped: %v", ans.Confidence)
	}
	if ans.Model != DefaultModel {
		t.Fatalf("model = %q", ans.Model)
	}
	if ans.Sources == nil || ans.DietPlan == nil || ans.Metadata == nil {
		t.Fatalf("empty collections must be non-nil: %+v", ans)
	}
}

func TestParseChatAnswer_QuotedConfidence(t *testing.T) {
	ans, err := ParseChatAnswer(json.RawMessage(`{"response":"x","confidence":"0.85"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Confidence != 0.85 {
		t.Fatalf("confidence = %v, want 0.85", ans.Confidence)
	}

	// an unparsable string falls through to the next key
	ans, err = ParseChatAnswer(json.RawMessage(`{"response":"x","confidence":"high","score":" 0.3 "}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Confidence != 0.3 {
		t.Fatalf("confidence = %v, want 0.3", ans.Confidence)
	}
}

func TestParseChatAnswer_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `["a"]`, `{"confidence":0.5}`, `{"response":""}`} {
		_, err := ParseChatAnswer(json.RawMessage(raw))
		re, ok := AsRemote(err)
		if !ok || re.Status() != 502 || re.Detail.Error != malformedResponse {
			t.Fatalf("%s: expected malformed RemoteError, got %v", raw, err)
		}
	}
}

func TestClampConfidence(t *testing.T) {
	for in, want := range map[float64]float64{-0.5: 0, 0: 0, 0.6: 0.6, 1: 1, 3: 1} {
		if got := ClampConfidence(in); got != want {
			t.Fatalf("ClampConfidence(%v) = %v, want %v", in, got, want)
		}
	}
}
