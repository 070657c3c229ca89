package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/inkworks/pressroom/internal/queue"
)

// The six content-pipeline roles.
const (
	RoleResearcher = "researcher"
	RoleWriter     = "writer"
	RoleEditor     = "editor"
	RoleSEO        = "seo"
	RoleImage      = "image"
	RolePublisher  = "publisher"
)

// TaskPayload is the JSON document a task's payload reference points at:
// the run's topic plus references to prior-stage authoritative outputs.
type TaskPayload struct {
	Topic        string            `json:"topic"`
	StyleGuide   string            `json:"style_guide,omitempty"`
	TargetLength int               `json:"target_length,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
}

// LoadPayload dereferences a task's payload from the memory store.
func LoadPayload(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (TaskPayload, error) {
	var p TaskPayload
	if task.PayloadRef == "" {
		return p, fmt.Errorf("task %s has no payload reference", task.ID)
	}
	entry, err := mem.Get(ctx, task.RunID, task.PayloadRef)
	if err != nil {
		return p, fmt.Errorf("load payload %s: %w", task.PayloadRef, err)
	}
	if err := json.Unmarshal([]byte(entry.Value), &p); err != nil {
		return p, fmt.Errorf("decode payload %s: %w", task.PayloadRef, err)
	}
	return p, nil
}

// loadInput dereferences one named prior-stage output, following the payload's
// input reference into the memory store.
func loadInput(ctx context.Context, task queue.TaskMessage, mem MemoryReader, p TaskPayload, name string) (string, error) {
	ref, ok := p.Inputs[name]
	if !ok {
		return "", fmt.Errorf("payload has no input %q", name)
	}
	entry, err := mem.Get(ctx, task.RunID, ref)
	if err != nil {
		return "", fmt.Errorf("load input %q (%s): %w", name, ref, err)
	}
	// Inputs may be indirect: an authoritative subject key holding a result ref.
	if indirect, err2 := mem.Get(ctx, task.RunID, entry.Value); err2 == nil {
		return indirect.Value, nil
	}
	return entry.Value, nil
}

// BuiltinAdapters returns the default deterministic adapters for the six
// content roles. They produce structured placeholder artifacts so a pipeline
// runs end to end without external services; production deployments swap in
// adapters backed by real search, generation, and publishing integrations.
func BuiltinAdapters() []Adapter {
	return []Adapter{
		NewResearcher(),
		NewWriter(),
		NewEditor(),
		NewSEO(),
		NewImage(),
		NewPublisher(),
	}
}

// NewResearcher produces a research brief for the run's topic.
func NewResearcher() Adapter {
	return NewFunc(RoleResearcher, func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
		p, err := LoadPayload(ctx, task, mem)
		if err != nil {
			return "", err
		}
		brief := map[string]any{
			"topic":   p.Topic,
			"summary": fmt.Sprintf("Working notes on %s.", p.Topic),
			"key_points": []string{
				fmt.Sprintf("Current state of %s", p.Topic),
				fmt.Sprintf("Open problems in %s", p.Topic),
				fmt.Sprintf("Outlook for %s", p.Topic),
			},
			"sources": []string{"draft-notes://" + Slug(p.Topic)},
		}
		return marshalResult(brief)
	})
}

// NewWriter drafts from the researcher's brief.
func NewWriter() Adapter {
	return NewFunc(RoleWriter, func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
		p, err := LoadPayload(ctx, task, mem)
		if err != nil {
			return "", err
		}
		research, err := loadInput(ctx, task, mem, p, "background")
		if err != nil {
			return "", err
		}
		title := titleCase(p.Topic)
		body := fmt.Sprintf("%s\n\nDrawing on the research brief, this article covers %s.\n\n%s",
			title, p.Topic, research)
		draft := map[string]any{
			"title":      title,
			"draft":      body,
			"word_count": len(strings.Fields(body)),
		}
		return marshalResult(draft)
	})
}

// NewEditor revises the draft and settles tone.
func NewEditor() Adapter {
	return NewFunc(RoleEditor, func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
		p, err := LoadPayload(ctx, task, mem)
		if err != nil {
			return "", err
		}
		draft, err := loadInput(ctx, task, mem, p, "draft")
		if err != nil {
			return "", err
		}
		tone := p.StyleGuide
		if tone == "" {
			tone = "professional"
		}
		edited := map[string]any{
			"draft": draft,
			"tone":  tone,
			"notes": []string{"tightened opening paragraph", "normalized heading case"},
		}
		return marshalResult(edited)
	})
}

// NewSEO produces keywords and metadata for the edited draft.
func NewSEO() Adapter {
	return NewFunc(RoleSEO, func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
		p, err := LoadPayload(ctx, task, mem)
		if err != nil {
			return "", err
		}
		words := strings.Fields(strings.ToLower(p.Topic))
		meta := map[string]any{
			"keywords":         words,
			"slug":             Slug(p.Topic),
			"meta_description": fmt.Sprintf("An in-depth look at %s.", p.Topic),
		}
		return marshalResult(meta)
	})
}

// NewImage produces illustration briefs for the article.
func NewImage() Adapter {
	return NewFunc(RoleImage, func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
		p, err := LoadPayload(ctx, task, mem)
		if err != nil {
			return "", err
		}
		briefs := map[string]any{
			"briefs": []map[string]string{
				{
					"alt":    fmt.Sprintf("Header illustration for %s", p.Topic),
					"prompt": fmt.Sprintf("editorial illustration, %s, clean flat style", p.Topic),
				},
			},
		}
		return marshalResult(briefs)
	})
}

// NewPublisher assembles the final artifact record.
func NewPublisher() Adapter {
	return NewFunc(RolePublisher, func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
		p, err := LoadPayload(ctx, task, mem)
		if err != nil {
			return "", err
		}
		article, err := loadInput(ctx, task, mem, p, "article")
		if err != nil {
			return "", err
		}
		record := map[string]any{
			"published":    true,
			"url":          "https://example.test/posts/" + Slug(p.Topic),
			"published_at": time.Now().UTC().Format(time.RFC3339),
			"article_size": len(article),
		}
		return marshalResult(record)
	})
}

// Slug normalizes a topic into a URL-safe identifier.
func Slug(topic string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(topic)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func marshalResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(out), nil
}
