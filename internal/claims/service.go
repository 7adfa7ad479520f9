package claims

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/veridian-ai/claimpipe/internal/model"
	"github.com/veridian-ai/claimpipe/internal/store"
)

// ErrSupersedeCycle is returned when retiring a claim would close a
// loop in the supersession graph.
var ErrSupersedeCycle = eris.New("claims: supersession would create a cycle")

// Service manages claim lifecycle: supersession and review.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Supersede retires oldID in favor of newID. The successor must be a
// live claim, each claim can be retired at most once, and the
// supersession graph stays acyclic.
func (s *Service) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return ErrSupersedeCycle
	}

	successor, err := s.store.GetClaim(ctx, newID)
	if err != nil {
		return err
	}
	// A retired successor would let a later edge close a loop, so the
	// successor must be live. A live claim has no outgoing supersession
	// edge, which keeps the graph acyclic.
	if !successor.Live() {
		return eris.Errorf("claims: successor %s is already retired", newID)
	}

	if err := s.store.SupersedeClaim(ctx, oldID, newID); err != nil {
		return err
	}
	zap.L().Info("claim superseded",
		zap.String("claim_id", oldID),
		zap.String("superseded_by", newID))
	return nil
}

// Review sets the human-review status of a claim.
func (s *Service) Review(ctx context.Context, claimID string, status model.ReviewStatus) error {
	switch status {
	case model.ReviewUnreviewed, model.ReviewApproved, model.ReviewRejected:
	default:
		return eris.Errorf("claims: unknown review status %q", status)
	}
	return s.store.UpdateClaimReview(ctx, claimID, status)
}
