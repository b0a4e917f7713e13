package numbers

import (
	"context"
	"errors"
	"time"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/flowpbx/callforward/internal/provisioning"
)

// SyncResult counts the rules touched by one inventory sync.
type SyncResult struct {
	Created int
	Updated int
}

// SyncInventory creates rules for newly provisioned numbers and aligns rule
// status with the provider's release state. Forward targets are never
// changed here.
func (s *Service) SyncInventory(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	ctx = database.WithActor(ctx, database.SystemActor)

	actx, cancel := s.adapterCtx(ctx)
	nums, err := s.adapter.ListNumbers(actx)
	cancel()
	if err != nil {
		return res, err
	}

	for _, n := range nums {
		if n.ProductType == provisioning.ProductBusinessCalling {
			continue
		}
		status := models.StatusActive
		if n.Status == provisioning.StatusReleaseInProgress {
			status = models.StatusReleaseInProgress
		}

		sctx, cancel := s.storeCtx(ctx)
		rule, err := s.rules.Get(sctx, n.E164)
		cancel()

		// readAt guards the write: an admin update committed after the read
		// wins and this number is left for the next pass.
		var readAt time.Time
		created := false
		switch {
		case errors.Is(err, database.ErrRuleNotFound):
			rule = &models.ForwardingRule{
				DialedNumber: n.E164,
				ProductType:  models.ProductDirectLambda,
				Status:       status,
			}
			if n.ProductType == provisioning.ProductVoiceConnector {
				rule.ProductType = models.ProductVoiceConnectorTrunk
				rule.VoiceConnectorID = n.TrunkID
			}
			created = true
		case err != nil:
			return res, err
		case rule.Status == status:
			continue
		default:
			readAt = rule.UpdatedAt
			rule.Status = status
		}

		rule.UpdatedAt = time.Now().UTC()
		sctx, cancel = s.storeCtx(ctx)
		ok, err := s.rules.UpsertIfUnchanged(sctx, rule, readAt)
		cancel()
		if err != nil {
			return res, err
		}
		if !ok {
			s.logger.Debug("rule changed during inventory sync, skipped", "dialed_number", n.E164)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		s.logger.Debug("inventory sync updated rule", "dialed_number", n.E164, "status", string(status))
	}
	return res, nil
}

// StartSyncTicker runs SyncInventory every interval until ctx is cancelled.
// A non-positive interval disables the sync.
func StartSyncTicker(ctx context.Context, svc *Service, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := svc.SyncInventory(ctx)
				if err != nil {
					svc.logger.Error("inventory sync failed", "error", err)
					continue
				}
				if res.Created == 0 && res.Updated == 0 {
					continue
				}
				svc.logger.Info("inventory sync", "created", res.Created, "updated", res.Updated)
			}
		}
	}()
}
