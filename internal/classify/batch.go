package classify

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Task selects which classification pass a batch run performs.
type Task string

const (
	TaskPolitical Task = "political"
	TaskAttack    Task = "attack"
	TaskEmotion   Task = "emotion"
)

// IsValidTask reports whether t names a known batch task.
func IsValidTask(t Task) bool {
	switch t {
	case TaskPolitical, TaskAttack, TaskEmotion:
		return true
	}
	return false
}

// ProcessCSV reads input rows (text in the first column, header row
// included), runs the selected task on each, and writes the input columns
// plus the task's result columns to outPath. Rows whose classification
// fails after retries are written with empty result columns so a partial
// run still yields usable output.
func ProcessCSV(ctx context.Context, c *Client, task Task, inPath, outPath string) (int, error) {
	if !IsValidTask(task) {
		return 0, fmt.Errorf("unknown task %q", task)
	}

	in, err := os.Open(inPath)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	rows, err := csv.NewReader(in).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read input: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("input %s is empty", inPath)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	defer out.Close()
	w := csv.NewWriter(out)

	header := append(append([]string{}, rows[0]...), resultColumns(task)...)
	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	processed := 0
	for i, row := range rows[1:] {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		results, err := c.classifyRow(ctx, task, row[0])
		if err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			slog.Warn("row classification failed", "row", i+1, "error", err)
			results = make([]string, len(resultColumns(task)))
		}
		if err := w.Write(append(append([]string{}, row...), results...)); err != nil {
			return processed, fmt.Errorf("write row %d: %w", i+1, err)
		}
		processed++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return processed, fmt.Errorf("flush output: %w", err)
	}
	slog.Info("batch classification finished", "task", task, "rows", processed, "output", outPath)
	return processed, nil
}

func resultColumns(task Task) []string {
	switch task {
	case TaskEmotion:
		return []string{"contempt", "anger", "disgust"}
	default:
		return []string{string(task)}
	}
}

func (c *Client) classifyRow(ctx context.Context, task Task, text string) ([]string, error) {
	switch task {
	case TaskPolitical:
		ok, err := c.IsPoliticalPost(ctx, text)
		if err != nil {
			return nil, err
		}
		return []string{strconv.FormatBool(ok)}, nil
	case TaskAttack:
		ok, err := c.HasPersonalAttack(ctx, text)
		if err != nil {
			return nil, err
		}
		return []string{strconv.FormatBool(ok)}, nil
	case TaskEmotion:
		scores, err := c.ScoreEmotions(ctx, text)
		if err != nil {
			return nil, err
		}
		return []string{
			strconv.FormatFloat(scores.Contempt, 'f', 2, 64),
			strconv.FormatFloat(scores.Anger, 'f', 2, 64),
			strconv.FormatFloat(scores.Disgust, 'f', 2, 64),
		}, nil
	}
	return nil, fmt.Errorf("unknown task %q", task)
}
