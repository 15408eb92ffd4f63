package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the authorization-server core. All
// Record helpers are safe on a nil receiver so the core can run without any
// instrumentation wired up.
type Metrics struct {
	// Flow metrics
	AuthorizationRequests metric.Int64Counter
	TokensIssued          metric.Int64Counter
	CodesIssued           metric.Int64Counter
	CodesRedeemed         metric.Int64Counter
	RefreshRotations      metric.Int64Counter

	// Security metrics
	ClientAuthAttempts metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ReplayDetected     metric.Int64Counter

	// Pipeline metrics
	StageDuration metric.Float64Histogram
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")

	var err error
	m.AuthorizationRequests, err = serverMeter.Int64Counter(
		"oidc.authorization.requests",
		metric.WithDescription("Number of authorization endpoint requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.requests counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"oidc.tokens.issued",
		metric.WithDescription("Number of tokens issued, by grant type and token type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.CodesIssued, err = serverMeter.Int64Counter(
		"oidc.codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.issued counter: %w", err)
	}

	m.CodesRedeemed, err = serverMeter.Int64Counter(
		"oidc.codes.redeemed",
		metric.WithDescription("Number of authorization codes redeemed"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes.redeemed counter: %w", err)
	}

	m.RefreshRotations, err = serverMeter.Int64Counter(
		"oidc.refresh.rotations",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.rotations counter: %w", err)
	}

	m.ClientAuthAttempts, err = securityMeter.Int64Counter(
		"oidc.client_auth.attempts",
		metric.WithDescription("Number of client authentication attempts, by method and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_auth.attempts counter: %w", err)
	}

	m.ValidationFailures, err = securityMeter.Int64Counter(
		"oidc.validation.failures",
		metric.WithDescription("Number of request validation failures, by stage and error code"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation.failures counter: %w", err)
	}

	m.ReplayDetected, err = securityMeter.Int64Counter(
		"oidc.replay.detected",
		metric.WithDescription("Number of replayed client assertions detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay.detected counter: %w", err)
	}

	m.StageDuration, err = serverMeter.Float64Histogram(
		"oidc.pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline.stage.duration histogram: %w", err)
	}

	return m, nil
}

// RecordAuthorizationRequest records one authorization endpoint request.
func (m *Metrics) RecordAuthorizationRequest(ctx context.Context, responseType string, success bool) {
	if m == nil {
		return
	}
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("response_type", responseType),
		attribute.Bool("success", success),
	))
}

// RecordTokenIssued records one issued token.
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenType string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_type", tokenType),
	))
}

// RecordCodeIssued records one issued authorization code.
func (m *Metrics) RecordCodeIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodesIssued.Add(ctx, 1)
}

// RecordCodeRedeemed records one authorization code redemption attempt.
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordRefreshRotation records one refresh token rotation.
func (m *Metrics) RecordRefreshRotation(ctx context.Context, inPlace bool) {
	if m == nil {
		return
	}
	m.RefreshRotations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("in_place", inPlace),
	))
}

// RecordClientAuth records one client authentication attempt.
func (m *Metrics) RecordClientAuth(ctx context.Context, method string, success bool) {
	if m == nil {
		return
	}
	m.ClientAuthAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}

// RecordValidationFailure records one validation failure.
func (m *Metrics) RecordValidationFailure(ctx context.Context, stage, errorCode string) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("error_code", errorCode),
	))
}

// RecordReplayDetected records one detected assertion replay.
func (m *Metrics) RecordReplayDetected(ctx context.Context, purpose string) {
	if m == nil {
		return
	}
	m.ReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("purpose", purpose),
	))
}

// RecordStageDuration records the duration of one pipeline stage.
func (m *Metrics) RecordStageDuration(ctx context.Context, stage string, durationMs float64) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}
