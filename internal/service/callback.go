package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/issj6/ad-router/internal/adapter"
	"github.com/issj6/ad-router/internal/callback"
	"github.com/issj6/ad-router/internal/dispatcher"
	"github.com/issj6/ad-router/internal/dsl"
	"github.com/issj6/ad-router/internal/models"
	"github.com/issj6/ad-router/internal/store"
)

// downstreamSpec bounds the forward to the downstream's template URL.
var downstreamSpec = &adapter.Spec{
	TimeoutMs: 5000,
	Retry:     &adapter.Retry{Max: 3, BackoffMs: 300},
}

// Callback closes the loop for one upstream conversion callback: load the
// original track row by rid, verify and extract the upstream's fields,
// substitute the stored downstream template and forward it exactly once.
// Field-map and verify expressions see the query parameters under `query.`
// and the parsed JSON body, when one was sent, under `body.`.
func (s *Service) Callback(ctx context.Context, rid string, query map[string]string, body map[string]interface{}) (int, models.APIResponse) {
	if rid == "" {
		return 400, models.Failure(400, "rid is required")
	}
	log := s.Logger.With(zap.String("rid", rid))

	rec, err := s.Store.FindByRID(ctx, rid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("callback for unknown rid")
			return 404, models.Failure(404, "not_found")
		}
		log.Error("failed to load track record", zap.Error(err))
		return 500, models.Failure(500, "server_error")
	}

	g := s.Gateway.Current()
	up := g.Upstream(rec.UpID)
	in := g.InboundAdapter(rec.UpID, "event")

	cbCtx := &dsl.Context{
		Data: map[string]interface{}{
			"query": asInterfaceMap(query),
		},
	}
	if body != nil {
		cbCtx.Data["body"] = body
	}
	if up != nil {
		cbCtx.Secrets = up.Secrets
	}

	vals := callback.Values{Event: query["event_type"]}
	if in != nil {
		// Reject before anything is persisted.
		if err := in.VerifySignature(cbCtx); err != nil {
			log.Warn("callback signature rejected",
				zap.String("up_id", rec.UpID),
				zap.Error(err),
			)
			return 400, models.Failure(400, "invalid_signature")
		}
		vals = in.ExtractValues(cbCtx)
	}
	if vals.ClickID == "" {
		vals.ClickID = rec.ClickID
	}

	var params datatypes.JSON
	if payload, err := json.Marshal(query); err == nil {
		params = datatypes.JSON(payload)
	}

	// No template from the downstream: record the callback, forward nothing.
	if rec.CallbackTemplate == "" {
		if err := s.Store.FinishCallback(ctx, rid, vals.Event, params, "", time.Now().UTC()); err != nil {
			log.Error("failed to record callback", zap.Error(err))
			return 500, models.Failure(500, "server_error")
		}
		log.Info("callback recorded, no downstream template")
		return 200, models.OK()
	}

	finalURL := callback.SubstituteMacros(rec.CallbackTemplate, vals)

	// One atomic claim decides which of the concurrent upstream retries
	// gets to notify the downstream.
	claimed, err := s.Store.ClaimCallback(ctx, rid)
	if err != nil {
		log.Error("failed to claim callback", zap.Error(err))
		return 500, models.Failure(500, "server_error")
	}
	if !claimed {
		log.Info("callback already sent, skipping dispatch")
		return 200, models.OK()
	}

	_, dispatchErr := s.Dispatcher.Send(ctx, rid, "GET", finalURL, downstreamSpec)
	if err := s.Store.FinishCallback(ctx, rid, vals.Event, params, finalURL, time.Now().UTC()); err != nil {
		log.Error("failed to record callback outcome", zap.Error(err))
	}

	if dispatchErr != nil {
		log.Error("downstream dispatch failed",
			zap.String("url", finalURL),
			zap.Error(dispatchErr),
		)
		var derr *dispatcher.DispatchError
		if errors.As(dispatchErr, &derr) && derr.Timeout {
			return 408, models.Failure(408, "timeout")
		}
		return 500, models.Failure(500, "network_error")
	}
	return 200, models.OK()
}

func asInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
