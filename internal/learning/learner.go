package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/workflow"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// SourceManual marks hand-written learnings.
const SourceManual = "manual"

// Learner records learnings from finished workflows. It implements
// workflow.Learner.
type Learner struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

var _ workflow.Learner = (*Learner)(nil)

// NewLearner creates a learner over store.
func NewLearner(store *Store, logger *slog.Logger) *Learner {
	return &Learner{
		store:  store,
		logger: logging.OrNop(logger).With("component", "learning"),
		now:    time.Now,
	}
}

// Learn derives one learning per distinct flag type of the workflow and
// reinforces any that already exist for the same test type and epic.
func (l *Learner) Learn(ctx context.Context, req workflow.LearnRequest) (*workflow.LearnOutcome, error) {
	w := req.Workflow
	out := &workflow.LearnOutcome{}
	if len(req.Flags) == 0 {
		out.Notes = "no red flags to learn from"
		return out, nil
	}

	var created, reinforced int
	at := l.now().UTC()
	for _, flag := range distinctFlags(req.Flags) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cao := FromFlag(flag, w.TestType)
		candidate := &Learning{
			ID:        uuid.New().String(),
			Condition: cao.Condition,
			Action:    cao.Action,
			Outcome:   cao.Outcome,
			FlagType:  flag.FlagType,
			TestType:  w.TestType,
			Severity:  flag.Severity,
			Scope:     w.EpicID,
			Source:    w.TestID,
			CreatedAt: at,
		}
		id, isNew, err := l.store.Reinforce(candidate, req.ReviewRequired, at)
		if err != nil {
			return nil, fmt.Errorf("record learning for %s: %w", flag.FlagType, err)
		}
		if isNew {
			created++
		} else {
			reinforced++
		}
		out.LearningIDs = append(out.LearningIDs, id)
	}

	out.Notes = fmt.Sprintf("%d new, %d reinforced", created, reinforced)
	l.logger.Info("learnings recorded",
		"test_id", w.TestID,
		"new", created,
		"reinforced", reinforced,
		"review_required", req.ReviewRequired,
	)
	return out, nil
}

// Add stores a hand-written learning.
func (l *Learner) Add(cao *CAOTriple, scope string, testType models.TestType) (*Learning, error) {
	if err := cao.Validate(); err != nil {
		return nil, err
	}
	learning := &Learning{
		ID:        uuid.New().String(),
		Condition: cao.Condition,
		Action:    cao.Action,
		Outcome:   cao.Outcome,
		TestType:  testType,
		Scope:     scope,
		Source:    SourceManual,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.Create(learning); err != nil {
		return nil, err
	}
	return learning, nil
}

// distinctFlags keeps the most severe flag of each type, in first-seen
// order.
func distinctFlags(flags []models.RedFlag) []models.RedFlag {
	index := make(map[string]int, len(flags))
	var out []models.RedFlag
	for _, f := range flags {
		i, seen := index[f.FlagType]
		if !seen {
			index[f.FlagType] = len(out)
			out = append(out, f)
			continue
		}
		if f.Severity.Rank() > out[i].Severity.Rank() {
			out[i] = f
		}
	}
	return out
}
