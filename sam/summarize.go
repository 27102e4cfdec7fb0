package sam

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/docflow/llm"
)

// SummarizeTask is the llm task type the summariser is configured under.
const SummarizeTask = "summarize_opportunity"

// Summarizer writes short LLM-generated summaries onto solicitations. It is
// usually driven by a procedure triggered on sam.opportunity.created.
type Summarizer struct {
	store  Store
	llm    llm.Completer
	logger *slog.Logger
}

// NewSummarizer wires a Summarizer.
func NewSummarizer(store Store, completer llm.Completer, logger *slog.Logger) *Summarizer {
	return &Summarizer{store: store, llm: completer, logger: logger}
}

const summarizeSystemPrompt = "You summarize federal contracting opportunities. " +
	"Reply with two or three plain sentences covering what is being procured, " +
	"which agency wants it, and the response deadline. No preamble."

// Summarize generates and stores a summary for one solicitation. A
// solicitation that already has a summary is left alone unless force is set.
func (s *Summarizer) Summarize(ctx context.Context, org, number string, force bool) (*Solicitation, error) {
	sol, err := s.store.GetSolicitation(ctx, org, number)
	if err != nil {
		return nil, err
	}
	if sol.Summary != "" && !force {
		return sol, nil
	}

	resp, err := s.llm.CompleteTask(ctx, SummarizeTask, []llm.Message{
		{Role: "system", Content: summarizeSystemPrompt},
		{Role: "user", Content: summarizePrompt(sol)},
	})
	if err != nil {
		return nil, fmt.Errorf("summarising %s: %w", number, err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return nil, fmt.Errorf("summarising %s: empty completion", number)
	}

	updated, err := s.store.MutateSolicitation(ctx, org, number, func(sol *Solicitation) error {
		sol.Summary = summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Solicitation summarised",
		"solicitation", number, "model", resp.Model, "tokens", resp.TokensUsed)
	return updated, nil
}

func summarizePrompt(sol *Solicitation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", sol.Title)
	fmt.Fprintf(&b, "Agency: %s\n", sol.Agency)
	fmt.Fprintf(&b, "Notice type: %s\n", sol.NoticeType)
	if sol.ResponseDeadline != nil {
		fmt.Fprintf(&b, "Response deadline: %s\n", sol.ResponseDeadline.Format("2006-01-02"))
	}
	if sol.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", sol.Description)
	}
	return b.String()
}
