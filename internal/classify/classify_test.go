package classify

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// stubAPI returns canned responses (or errors) in sequence, then repeats
// the last one.
type stubAPI struct {
	responses []string
	errs      []error
	calls     int
}

func (s *stubAPI) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return openai.ChatCompletionResponse{}, s.errs[i]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.responses[i]}},
		},
	}, nil
}

func newStubClient(stub *stubAPI) *Client {
	return &Client{api: stub, model: "test", maxRetries: 2, backoff: time.Millisecond}
}

func TestParseThoughtAnswer(t *testing.T) {
	tests := []struct {
		raw, thought, answer string
	}{
		{"思考: 這篇提到選舉\n回答: 是", "這篇提到選舉", "是"},
		{"思考：有政黨名稱\n回答：否", "有政黨名稱", "否"},
		{"是", "", "是"},
		{"", "", ""},
	}
	for _, tt := range tests {
		thought, answer := ParseThoughtAnswer(tt.raw)
		if thought != tt.thought || answer != tt.answer {
			t.Errorf("ParseThoughtAnswer(%q) = (%q, %q), want (%q, %q)",
				tt.raw, thought, answer, tt.thought, tt.answer)
		}
	}
}

func TestIsPoliticalPostMajority(t *testing.T) {
	tests := []struct {
		name      string
		responses []string
		want      bool
	}{
		{"unanimous yes", []string{"回答: 是", "回答: 是", "回答: 是"}, true},
		{"two of three", []string{"回答: 是", "回答: 否", "回答: 是"}, true},
		{"one of three", []string{"回答: 是", "回答: 否", "回答: 否"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newStubClient(&stubAPI{responses: tt.responses})
			got, err := c.IsPoliticalPost(context.Background(), "some post")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsPoliticalPost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChatRetriesTransientErrors(t *testing.T) {
	stub := &stubAPI{
		responses: []string{"", "", "回答: 是"},
		errs:      []error{errors.New("boom"), errors.New("boom again"), nil},
	}
	c := newStubClient(stub)

	got, err := c.HasPersonalAttack(context.Background(), "text")
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if !got {
		t.Error("HasPersonalAttack = false after successful retry")
	}
	if stub.calls != 3 {
		t.Errorf("API called %d times, want 3", stub.calls)
	}
}

func TestChatGivesUpAfterRetries(t *testing.T) {
	boom := errors.New("boom")
	stub := &stubAPI{
		responses: []string{""},
		errs:      []error{boom},
	}
	c := newStubClient(stub)

	_, err := c.HasPersonalAttack(context.Background(), "text")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the underlying error, got %v", err)
	}
	// initial attempt plus maxRetries
	if stub.calls != 3 {
		t.Errorf("API called %d times, want 3", stub.calls)
	}
}

func TestScoreEmotions(t *testing.T) {
	c := newStubClient(&stubAPI{
		responses: []string{`{"contempt": 0.7, "anger": 0.2, "disgust": 0.1}`},
	})
	scores, err := c.ScoreEmotions(context.Background(), "句子")
	if err != nil {
		t.Fatal(err)
	}
	if scores.Contempt != 0.7 || scores.Anger != 0.2 || scores.Disgust != 0.1 {
		t.Errorf("scores = %+v", scores)
	}
}

func TestScoreEmotionsToleratesProse(t *testing.T) {
	c := newStubClient(&stubAPI{
		responses: []string{"分析如下:\n```json\n{\"contempt\": 0.5, \"anger\": 0, \"disgust\": 0}\n```"},
	})
	scores, err := c.ScoreEmotions(context.Background(), "句子")
	if err != nil {
		t.Fatal(err)
	}
	if scores.Contempt != 0.5 {
		t.Errorf("scores = %+v", scores)
	}
}

func TestScoreEmotionsNeutralFallback(t *testing.T) {
	tests := []string{
		"no json at all",
		`{"contempt": 7, "anger": 0, "disgust": 0}`, // out of range
	}
	for _, raw := range tests {
		c := newStubClient(&stubAPI{responses: []string{raw}})
		scores, err := c.ScoreEmotions(context.Background(), "句子")
		if err != nil {
			t.Fatalf("fallback should not error, got %v", err)
		}
		if scores != NeutralScores {
			t.Errorf("response %q: scores = %+v, want neutral", raw, scores)
		}
	}
}

func TestProcessCSVEmotion(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.csv")
	outPath := filepath.Join(dir, "out.csv")

	writeCSV(t, inPath, [][]string{
		{"text", "source"},
		{"第一句", "a"},
		{"", "skipped"},
		{"第二句", "b"},
	})

	c := newStubClient(&stubAPI{
		responses: []string{`{"contempt": 0.1, "anger": 0.9, "disgust": 0.3}`},
	})
	n, err := ProcessCSV(context.Background(), c, TaskEmotion, inPath, outPath)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("processed %d rows, want 2", n)
	}

	rows := readCSV(t, outPath)
	if len(rows) != 3 {
		t.Fatalf("output has %d rows, want header + 2", len(rows))
	}
	wantHeader := []string{"text", "source", "contempt", "anger", "disgust"}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], col)
		}
	}
	if rows[1][3] != "0.90" {
		t.Errorf("anger column = %q, want 0.90", rows[1][3])
	}
}

func TestProcessCSVPolitical(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.csv")
	outPath := filepath.Join(dir, "out.csv")

	writeCSV(t, inPath, [][]string{
		{"text"},
		{"某政黨的新聞"},
	})

	c := newStubClient(&stubAPI{responses: []string{"回答: 是"}})
	n, err := ProcessCSV(context.Background(), c, TaskPolitical, inPath, outPath)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed %d rows", n)
	}

	rows := readCSV(t, outPath)
	if rows[1][1] != "true" {
		t.Errorf("political column = %q", rows[1][1])
	}
}

func TestProcessCSVUnknownTask(t *testing.T) {
	c := newStubClient(&stubAPI{responses: []string{""}})
	if _, err := ProcessCSV(context.Background(), c, Task("nonsense"), "in", "out"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func writeCSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		t.Fatal(err)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestIsValidTask(t *testing.T) {
	for _, task := range []Task{TaskPolitical, TaskAttack, TaskEmotion} {
		if !IsValidTask(task) {
			t.Errorf("IsValidTask(%q) = false", task)
		}
	}
	if IsValidTask(Task("grading")) {
		t.Error("IsValidTask accepted an unknown task")
	}
}
