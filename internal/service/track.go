package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/issj6/ad-router/internal/adapter"
	"github.com/issj6/ad-router/internal/config"
	"github.com/issj6/ad-router/internal/debounce"
	"github.com/issj6/ad-router/internal/dispatcher"
	"github.com/issj6/ad-router/internal/dsl"
	"github.com/issj6/ad-router/internal/models"
	"github.com/issj6/ad-router/internal/router"
	"github.com/issj6/ad-router/internal/store"
)

// Track runs the full track flow for one cleaned-up query map and returns
// the HTTP status plus the uniform response body. Every code path answers
// with {success, code, message}; detailed causes stay in the logs.
func (s *Service) Track(ctx context.Context, rawQuery map[string]string) (int, models.APIResponse) {
	q := ScrubPlaceholders(rawQuery)

	dsID := q["ds_id"]
	if dsID == "" {
		return 400, models.Failure(400, "ds_id is required and must not be a placeholder")
	}
	eventType := q["event_type"]
	if eventType != "click" && eventType != "imp" {
		return 400, models.Failure(400, "event_type must be click or imp")
	}

	ts := time.Now().UnixMilli()
	if raw := q["ts"]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 400, models.Failure(400, "ts must be an epoch milliseconds number")
		}
		ts = parsed
	}

	rid := uuid.NewString()
	log := s.Logger.With(zap.String("rid", rid), zap.String("ds_id", dsID))

	// The downstream template arrives URL-encoded; store it decoded and
	// verbatim.
	template := q["callback"]
	if template != "" {
		if decoded, err := url.QueryUnescape(template); err == nil {
			template = decoded
		}
	}

	g := s.Gateway.Current()
	udm := BuildUDM(q, "", ts)
	routeCtx := &dsl.Context{Data: udm}

	rec := &models.TrackRecord{
		RID:              rid,
		DsID:             dsID,
		EventType:        eventType,
		AdID:             q["ad_id"],
		ChannelID:        q["channel_id"],
		ClickID:          q["click_id"],
		DedupKey:         store.DedupKey(dsID, eventType, q["click_id"], ts, rid),
		Ts:               ts,
		OS:               q["device_os"],
		CallbackTemplate: template,
		TrackTime:        time.Now().UTC(),
		TrackStatus:      models.TrackStatusPending,
	}
	if payload, err := json.Marshal(q); err == nil {
		rec.UploadParams = datatypes.JSON(payload)
	}

	decision, err := router.Resolve(g.Routes, func(key string) string {
		v, _ := dsl.Evaluate(key, routeCtx)
		return v
	})
	if err != nil {
		// Accepted and recorded, never forwarded.
		log.Info("no route for event, recording only",
			zap.String("ad_id", q["ad_id"]),
			zap.String("channel_id", q["channel_id"]),
		)
		return s.recordOnly(ctx, log, rec)
	}

	rec.UpID = decision.UpstreamID
	udm = BuildUDM(q, decision.UpstreamID, ts)

	spec := g.OutboundAdapter(decision.UpstreamID, eventType)
	if spec == nil {
		log.Warn("no outbound adapter for upstream",
			zap.String("up_id", decision.UpstreamID),
			zap.String("event_type", eventType),
		)
		return s.recordOnly(ctx, log, rec)
	}

	secrets := mergedSecrets(g.Upstream(decision.UpstreamID), decision.Rule)
	renderCtx := &dsl.Context{
		Data: map[string]interface{}{
			"udm":  udm,
			"body": udm,
			"meta": udm["net"],
		},
		Secrets:     secrets,
		CallbackURL: func() string { return s.callbackURL(g.Settings.CallbackBase, rid, template) },
	}

	upstreamURL, err := adapter.Render(spec, renderCtx)
	if err != nil {
		log.Error("failed to render upstream URL",
			zap.String("up_id", decision.UpstreamID),
			zap.Error(err),
		)
		return 500, models.Failure(500, "server_error")
	}
	rec.UpstreamURL = upstreamURL

	// The insert is the idempotency authority: whoever creates the row is
	// the only caller allowed to dispatch.
	created, err := s.Store.Insert(ctx, rec)
	if err != nil {
		log.Error("failed to insert track record", zap.Error(err))
		return 500, models.Failure(500, "server_error")
	}
	if !created {
		return 200, models.OK()
	}

	if router.Throttled(decision.Throttle, nil) {
		log.Info("throttled, dispatch skipped",
			zap.String("up_id", decision.UpstreamID),
			zap.Float64("throttle", decision.Throttle),
		)
		return 200, models.OK()
	}

	method := spec.NormalizeMethod()
	if s.debounceEnabled(g.Settings.Debounce.Enabled, decision.Rule) && eventType == "click" {
		return s.submitDeferred(ctx, log, g.Settings.Debounce, decision, udm, rec, method, spec)
	}

	return s.dispatchNow(ctx, log, rid, method, upstreamURL, spec)
}

// recordOnly persists the row without any upstream dispatch. The caller
// still gets a success: acceptance and forwarding are separate outcomes.
func (s *Service) recordOnly(ctx context.Context, log *zap.Logger, rec *models.TrackRecord) (int, models.APIResponse) {
	if _, err := s.Store.Insert(ctx, rec); err != nil {
		log.Error("failed to insert track record", zap.Error(err))
		return 500, models.Failure(500, "server_error")
	}
	return 200, models.OK()
}

func (s *Service) dispatchNow(ctx context.Context, log *zap.Logger, rid, method, upstreamURL string, spec *adapter.Spec) (int, models.APIResponse) {
	_, err := s.Dispatcher.Send(ctx, rid, method, upstreamURL, spec)
	if err == nil {
		if uerr := s.Store.UpdateTrackStatus(ctx, rid, models.TrackStatusSent); uerr != nil {
			log.Error("failed to record dispatch outcome", zap.Error(uerr))
		}
		return 200, models.OK()
	}

	if uerr := s.Store.UpdateTrackStatus(ctx, rid, models.TrackStatusFailed); uerr != nil {
		log.Error("failed to record dispatch outcome", zap.Error(uerr))
	}
	var derr *dispatcher.DispatchError
	if errors.As(err, &derr) && derr.Timeout {
		return 408, models.Failure(408, "timeout")
	}
	return 500, models.Failure(500, "network_error")
}

// submitDeferred hands the rendered click to the debounce manager. The
// caller is answered immediately; the dispatch happens after the wait
// window, latest click wins.
func (s *Service) submitDeferred(ctx context.Context, log *zap.Logger, cfg config.DebounceConfig, decision *router.Decision,
	udm map[string]interface{}, rec *models.TrackRecord, method string, spec *adapter.Spec) (int, models.APIResponse) {

	// Server time keeps ordering monotonic when client clocks run ahead.
	orderTs := rec.Ts
	if now := time.Now().UnixMilli(); now > orderTs {
		orderTs = now
	}
	key := decision.UpstreamID + ":" + rec.AdID + ":" + DeviceKey(udm)
	job := &debounce.Job{
		RID:        rec.RID,
		UpstreamID: decision.UpstreamID,
		EventType:  rec.EventType,
		Method:     method,
		URL:        rec.UpstreamURL,
		TimeoutMs:  spec.TimeoutMs,
	}

	maxWait := time.Duration(cfg.MaxWaitMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 20 * time.Second
	}
	submitCtx := ctx
	if cfg.SubmitTimeoutMs > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.SubmitTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	if err := s.Debounce.Submit(submitCtx, key, orderTs, maxWait, job); err != nil {
		log.Error("debounce submit and fallback both failed", zap.Error(err))
		return 500, models.Failure(500, "server_error")
	}
	return 200, models.OK()
}

// debounceEnabled: the global switch dominates; when it is on a route can
// still opt out, and a route without an opinion inherits on.
func (s *Service) debounceEnabled(global bool, rule *router.Rule) bool {
	if !global || s.Debounce == nil {
		return false
	}
	if rule != nil && rule.Debounce != nil {
		return *rule.Debounce
	}
	return true
}

// callbackURL builds the correlation URL embedded into upstream templates
// via cb_url(). Query parameters of the downstream template ride along so
// the upstream echoes them back.
func (s *Service) callbackURL(base, rid, template string) string {
	b := strings.TrimRight(base, "/") + "/cb?rid=" + rid
	if template != "" {
		if parsed, err := url.Parse(template); err == nil && parsed.RawQuery != "" {
			return b + "&" + parsed.RawQuery
		}
	}
	return b
}

// mergedSecrets overlays route-level custom params on the upstream's
// secrets, route values winning.
func mergedSecrets(up *config.Upstream, rule *router.Rule) map[string]string {
	merged := map[string]string{}
	if up != nil {
		for k, v := range up.Secrets {
			merged[k] = v
		}
	}
	if rule != nil {
		for k, v := range rule.CustomParams {
			merged[k] = v
		}
	}
	return merged
}
