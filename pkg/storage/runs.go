package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/cohort/pkg/batch"
	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
)

var _ batch.Recorder = (*Store)(nil)

// RunSummary is one row of the run history listing.
type RunSummary struct {
	batch.RunInfo
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RecordRun inserts or updates a run header. Questions are written once,
// on first sight of the run.
func (s *Store) RecordRun(ctx context.Context, info batch.RunInfo) error {
	opts, err := json.Marshal(info.Options)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "encode run options")
	}

	err = withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, status, options, persona_count, created_at, started_at, finished_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at,
				error = excluded.error
		`, info.ID, string(info.Status), string(opts), info.PersonaCount,
			info.CreatedAt.UTC(), nullTime(info.StartedAt), nullTime(info.FinishedAt), info.Error)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s not written", info.ID)
		}

		for i, q := range info.Questions {
			body, err := json.Marshal(q)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO run_questions (run_id, position, question_id, kind, body)
				VALUES (?, ?, ?, ?, ?)
			`, info.ID, i, q.ID, string(q.Kind), string(body)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "record run").WithContext("run_id", info.ID)
	}
	return nil
}

// RecordEntry replaces the stored state of one entry and its answers.
func (s *Store) RecordEntry(ctx context.Context, runID string, e batch.Entry) error {
	issues, err := json.Marshal(e.Issues)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "encode issues")
	}
	if e.Issues == nil {
		issues = []byte("[]")
	}

	var prompt, completion, total sql.NullInt64
	estimated := false
	if e.Usage != nil {
		prompt = sql.NullInt64{Int64: int64(e.Usage.PromptTokens), Valid: true}
		completion = sql.NullInt64{Int64: int64(e.Usage.CompletionTokens), Valid: true}
		total = sql.NullInt64{Int64: int64(e.Usage.TotalTokens), Valid: true}
		estimated = e.Usage.Estimated
	}

	err = withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (
				id, run_id, persona_id, persona_name, status, attempts, provider, model,
				raw_response, error, prompt_tokens, completion_tokens, total_tokens,
				usage_estimated, issues, started_at, finished_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				attempts = excluded.attempts,
				provider = excluded.provider,
				model = excluded.model,
				raw_response = excluded.raw_response,
				error = excluded.error,
				prompt_tokens = excluded.prompt_tokens,
				completion_tokens = excluded.completion_tokens,
				total_tokens = excluded.total_tokens,
				usage_estimated = excluded.usage_estimated,
				issues = excluded.issues,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at,
				updated_at = excluded.updated_at
		`, e.ID, runID, e.PersonaID, e.PersonaName, string(e.Status), e.Attempts, e.Provider, e.Model,
			e.RawResponse, e.Error, prompt, completion, total,
			estimated, string(issues), nullTime(e.StartTime), nullTime(e.EndTime), time.Now().UTC()); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE entry_id = ?`, e.ID); err != nil {
			return err
		}
		for i, a := range e.Answers {
			value, err := json.Marshal(a.Answer)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO answers (entry_id, position, question_id, kind, value, reasoning, confidence)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, e.ID, i, a.QuestionID, string(a.Answer.Kind), string(value), a.Reasoning, a.Confidence); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "record entry").
			WithContext("run_id", runID).
			WithContext("entry_id", e.ID)
	}
	return nil
}

// ListRuns returns the newest runs first. limit <= 0 means 50.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.status, r.options, r.persona_count, r.created_at, r.started_at, r.finished_at, r.error,
			(SELECT COUNT(*) FROM entries e WHERE e.run_id = r.id AND e.status = 'completed'),
			(SELECT COUNT(*) FROM entries e WHERE e.run_id = r.id AND e.status = 'failed')
		FROM runs r
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "list runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var sum RunSummary
		if err := scanRun(rows, &sum.RunInfo, &sum.Completed, &sum.Failed); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "scan run")
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "list runs")
	}
	return out, nil
}

// GetRun loads a run with its questions, entries and answers. Progress is
// recomputed from the stored entries.
func (s *Store) GetRun(ctx context.Context, id string) (*batch.RunResult, error) {
	var info batch.RunInfo
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, options, persona_count, created_at, started_at, finished_at, error
		FROM runs WHERE id = ?
	`, id)
	if err := scanRun(row, &info); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cerrors.Wrap(ErrNotFound, cerrors.ErrCodeStorageRead, "run "+id)
		}
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "load run")
	}

	questions, err := s.loadQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	info.Questions = questions

	entries, err := s.loadEntries(ctx, id)
	if err != nil {
		return nil, err
	}

	return &batch.RunResult{
		RunInfo:  info,
		Entries:  entries,
		Progress: progressOf(info, entries),
	}, nil
}

// DeleteRun removes a run and everything recorded under it.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "delete run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cerrors.Wrap(ErrNotFound, cerrors.ErrCodeStorageRead, "run "+id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, info *batch.RunInfo, counts ...*int) error {
	var (
		status, opts      string
		started, finished sql.NullTime
	)
	dest := []any{&info.ID, &status, &opts, &info.PersonaCount, &info.CreatedAt, &started, &finished, &info.Error}
	for _, c := range counts {
		dest = append(dest, c)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	info.Status = batch.RunStatus(status)
	info.StartedAt = timeOrZero(started)
	info.FinishedAt = timeOrZero(finished)
	if err := json.Unmarshal([]byte(opts), &info.Options); err != nil {
		return fmt.Errorf("decode options of run %s: %w", info.ID, err)
	}
	return nil
}

func (s *Store) loadQuestions(ctx context.Context, runID string) ([]survey.Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM run_questions WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "load questions")
	}
	defer rows.Close()

	var out []survey.Question
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "scan question")
		}
		var q survey.Question
		if err := json.Unmarshal([]byte(body), &q); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "decode question")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) loadEntries(ctx context.Context, runID string) ([]batch.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona_id, persona_name, status, attempts, provider, model, raw_response, error,
			prompt_tokens, completion_tokens, total_tokens, usage_estimated, issues, started_at, finished_at
		FROM entries WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "load entries")
	}
	defer rows.Close()

	var entries []batch.Entry
	for rows.Next() {
		var (
			e                         batch.Entry
			status, issues            string
			prompt, completion, total sql.NullInt64
			estimated                 bool
			started, finished         sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.PersonaID, &e.PersonaName, &status, &e.Attempts, &e.Provider, &e.Model,
			&e.RawResponse, &e.Error, &prompt, &completion, &total, &estimated, &issues, &started, &finished); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "scan entry")
		}
		e.Status = batch.EntryStatus(status)
		e.StartTime = timeOrZero(started)
		e.EndTime = timeOrZero(finished)
		if total.Valid {
			e.Usage = &model.Usage{
				PromptTokens:     int(prompt.Int64),
				CompletionTokens: int(completion.Int64),
				TotalTokens:      int(total.Int64),
				Estimated:        estimated,
			}
		}
		if err := json.Unmarshal([]byte(issues), &e.Issues); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "decode issues")
		}
		if len(e.Issues) == 0 {
			e.Issues = nil
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "load entries")
	}
	rows.Close()

	for i := range entries {
		answers, err := s.loadAnswers(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Answers = answers
	}
	return entries, nil
}

func (s *Store) loadAnswers(ctx context.Context, entryID string) ([]survey.SurveyAnswer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, kind, value, reasoning, confidence
		FROM answers WHERE entry_id = ? ORDER BY position
	`, entryID)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "load answers")
	}
	defer rows.Close()

	var out []survey.SurveyAnswer
	for rows.Next() {
		var (
			a           survey.SurveyAnswer
			kind, value string
		)
		if err := rows.Scan(&a.QuestionID, &kind, &value, &a.Reasoning, &a.Confidence); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "scan answer")
		}
		// Untyped answers were stored as their raw reply value.
		if kind == "" {
			a.Answer = survey.Answer{Raw: json.RawMessage(value)}
		} else {
			a.Answer, _ = survey.DecodeAnswer(survey.Kind(kind), json.RawMessage(value))
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func progressOf(info batch.RunInfo, entries []batch.Entry) batch.Progress {
	p := batch.Progress{RunID: info.ID, Status: info.Status, Total: len(entries)}
	var sum time.Duration
	var samples int
	for _, e := range entries {
		switch e.Status {
		case batch.EntryCompleted:
			p.Completed++
			sum += e.Duration()
			samples++
		case batch.EntryFailed:
			p.Failed++
		case batch.EntryRunning:
			p.Running++
		default:
			p.Pending++
		}
		p.Usage.Add(e.Usage)
	}
	if p.Total > 0 {
		p.Percent = float64(p.Finished()) / float64(p.Total) * 100
	}
	if samples > 0 {
		p.AverageDuration = sum / time.Duration(samples)
		p.EstimatedRemaining = p.AverageDuration * time.Duration(p.Pending+p.Running)
		p.HasEstimate = true
	}
	return p
}
