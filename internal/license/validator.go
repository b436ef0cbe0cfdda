// Package license is the installation side of the licensing protocol: it
// decides whether a plugin may run by combining a two-tier cache, signed
// responses from the license server and a bounded grace period.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

// Defaults applied to zero Config durations.
const (
	DefaultCacheTTL       = 6 * time.Hour
	DefaultGracePeriod    = 72 * time.Hour
	DefaultMaxClockSkew   = 5 * time.Minute
	DefaultRequestTimeout = 15 * time.Second
)

// ErrNotConfigured is returned by operations that cannot degrade to a
// Result when the installation has not been activated.
var ErrNotConfigured = errors.New("license: server url, activation token or shared secret missing")

// Config holds what an installation needs to validate licenses.
type Config struct {
	ServerURL       string
	ActivationToken string
	SharedSecret    []byte
	SiteDomain      string

	CacheTTL       time.Duration
	GracePeriod    time.Duration
	MaxClockSkew   time.Duration
	RequestTimeout time.Duration
}

// Configured reports whether the server can be reached and its responses
// verified.
func (c Config) Configured() bool {
	return c.ServerURL != "" && c.ActivationToken != "" && len(c.SharedSecret) >= signing.MinSecretSize
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	} else if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Validator runs the validation state machine for every plugin of one
// installation. It is safe for concurrent use; concurrent checks of the
// same plugin share a single server round trip.
type Validator struct {
	cfg       Config
	cache     *Cache
	transport Transport
	codec     *signing.TokenCodec
	now       func() time.Time
	group     singleflight.Group
	log       *logrus.Entry
}

// Option customizes a Validator.
type Option func(*Validator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
		v.codec.Now = now
	}
}

// WithLogger overrides the component logger.
func WithLogger(entry *logrus.Entry) Option {
	return func(v *Validator) {
		v.log = entry
	}
}

// NewValidator creates a Validator. An unconfigured cfg is accepted: every
// check then reports ErrorNotConfigured without touching cache or network.
func NewValidator(cfg Config, cache *Cache, transport Transport, opts ...Option) (*Validator, error) {
	cfg.applyDefaults()

	if cfg.Configured() {
		if cache == nil {
			return nil, fmt.Errorf("validation cache is required")
		}
		if transport == nil {
			return nil, fmt.Errorf("transport is required")
		}
	}

	v := &Validator{
		cfg:       cfg,
		cache:     cache,
		transport: transport,
		codec:     signing.NewTokenCodec(),
		now:       time.Now,
		log:       logrus.WithField("component", "license-validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Config returns the effective configuration with defaults applied.
func (v *Validator) Config() Config {
	return v.cfg
}

// Check returns the current decision for slug.
//
// Order: not configured, in-process memo (see WithMemo), durable cache,
// license server. A server failure or an unverifiable response falls back
// to the grace evaluation. Check never blocks on more than one server round
// trip.
func (v *Validator) Check(ctx context.Context, slug string) Result {
	if !v.cfg.Configured() {
		return v.finish(ctx, notConfigured(slug))
	}

	m := memoFrom(ctx)
	if m != nil {
		r, ok := m.get(slug)
		monitoring.RecordCacheLookup("memo", ok)
		if ok {
			return r
		}
	}

	if r, ok := v.cache.Get(ctx, slug); ok {
		if r.Valid {
			r.State = StateCachedValid
		} else {
			r.State = StateCachedInvalid
		}
		v.transition(slug, StateUnchecked, r.State)
		return v.finish(ctx, r)
	}

	return v.finish(ctx, v.fetch(ctx, slug))
}

// Refresh forces a server round trip for slug. The cached entry is removed
// first and put back if the round trip does not produce a verified result,
// so a failed refresh leaves the prior state untouched.
func (v *Validator) Refresh(ctx context.Context, slug string) Result {
	if !v.cfg.Configured() {
		return v.finish(ctx, notConfigured(slug))
	}

	snapshot := v.cache.snapshot(ctx, slug)
	if err := v.cache.Invalidate(ctx, slug); err != nil {
		v.log.WithError(err).WithField("plugin", slug).Warn("Failed to invalidate cache before refresh")
	}

	r := v.fetch(ctx, slug)
	if !r.Fresh() {
		if err := v.cache.restore(ctx, snapshot); err != nil {
			v.log.WithError(err).WithField("plugin", slug).Warn("Failed to restore cache entry after failed refresh")
		}
	}

	return v.finish(ctx, r)
}

// CheckMany decides every slug, answering from the memo and the durable
// cache where possible and resolving all misses in one batch round trip.
func (v *Validator) CheckMany(ctx context.Context, slugs []string) map[string]Result {
	ctx = WithMemo(ctx)
	slugs = uniqueSlugs(slugs)
	results := make(map[string]Result, len(slugs))

	if !v.cfg.Configured() {
		for _, slug := range slugs {
			results[slug] = v.finish(ctx, notConfigured(slug))
		}
		return results
	}

	m := memoFrom(ctx)
	var misses []string
	for _, slug := range slugs {
		if r, ok := m.get(slug); ok {
			monitoring.RecordCacheLookup("memo", true)
			results[slug] = r
			continue
		}
		monitoring.RecordCacheLookup("memo", false)

		if r, ok := v.cache.Get(ctx, slug); ok {
			if r.Valid {
				r.State = StateCachedValid
			} else {
				r.State = StateCachedInvalid
			}
			results[slug] = v.finish(ctx, r)
			continue
		}
		misses = append(misses, slug)
	}

	for slug, r := range v.VerifyBatch(ctx, misses) {
		results[slug] = r
	}
	return results
}

// VerifyBatch asks the server about every slug in as few round trips as the
// batch size limit allows. Positive results are cached exactly as Check
// would cache them; negative ones are never cached and clear any cached
// entry and last known good record for that plugin.
func (v *Validator) VerifyBatch(ctx context.Context, slugs []string) map[string]Result {
	slugs = uniqueSlugs(slugs)
	results := make(map[string]Result, len(slugs))
	if len(slugs) == 0 {
		return results
	}

	if !v.cfg.Configured() {
		for _, slug := range slugs {
			results[slug] = v.finish(ctx, notConfigured(slug))
		}
		return results
	}

	for start := 0; start < len(slugs); start += licenseapi.MaxBatchSize {
		end := min(start+licenseapi.MaxBatchSize, len(slugs))
		for slug, r := range v.verifyChunk(ctx, slugs[start:end]) {
			results[slug] = v.finish(ctx, r)
		}
	}
	return results
}

// Info fetches and verifies the site summary from the server.
func (v *Validator) Info(ctx context.Context) (*licenseapi.InfoResponse, error) {
	if !v.cfg.Configured() {
		return nil, ErrNotConfigured
	}

	nonce, err := licenseapi.NewNonce()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	body, err := v.transport.Info(callCtx, licenseapi.InfoRequest{Nonce: nonce})
	if err != nil {
		monitoring.RecordServerCall("info", string(ErrorNetwork), time.Since(start))
		return nil, fmt.Errorf("info request failed: %w", err)
	}

	var resp licenseapi.InfoResponse
	if err := signing.OpenJSON(body, v.cfg.SharedSecret, &resp); err != nil {
		monitoring.RecordServerCall("info", string(ErrorInvalidSignature), time.Since(start))
		return nil, fmt.Errorf("info response rejected: %w", err)
	}
	if err := v.checkEnvelope(resp.RequestNonce, nonce, resp.SiteDomain, resp.VerifiedAt); err != nil {
		monitoring.RecordServerCall("info", string(kindOf(err)), time.Since(start))
		return nil, fmt.Errorf("info response rejected: %w", err)
	}

	monitoring.RecordServerCall("info", "ok", time.Since(start))
	return &resp, nil
}

// Invalidate drops the cached decision for slug.
func (v *Validator) Invalidate(ctx context.Context, slug string) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Invalidate(ctx, slug)
}

// InvalidateAll drops every cached decision.
func (v *Validator) InvalidateAll(ctx context.Context) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.InvalidateAll(ctx)
}

// fetch performs one coalesced server round trip for slug.
func (v *Validator) fetch(ctx context.Context, slug string) Result {
	r, _, _ := v.group.Do(slug, func() (any, error) {
		return v.callServer(ctx, slug), nil
	})
	return r.(Result)
}

func (v *Validator) callServer(ctx context.Context, slug string) Result {
	v.transition(slug, StateUnchecked, StatePendingServerCall)

	nonce, err := licenseapi.NewNonce()
	if err != nil {
		return v.graceCheck(ctx, slug, ErrorNetwork, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	body, err := v.transport.Verify(callCtx, licenseapi.VerifyRequest{PluginSlug: slug, Nonce: nonce})
	if err != nil {
		monitoring.RecordServerCall("verify", string(ErrorNetwork), time.Since(start))
		v.transition(slug, StatePendingServerCall, StateNetworkError)
		return v.graceCheck(ctx, slug, ErrorNetwork, err)
	}

	result, err := v.openVerifyResponse(body, slug, nonce)
	if err != nil {
		kind := kindOf(err)
		monitoring.RecordServerCall("verify", string(kind), time.Since(start))
		v.transition(slug, StatePendingServerCall, StateSignatureFailed)
		if err := v.cache.Invalidate(ctx, slug); err != nil {
			v.log.WithError(err).WithField("plugin", slug).Warn("Failed to invalidate cache after rejected response")
		}
		return v.graceCheck(ctx, slug, kind, err)
	}

	monitoring.RecordServerCall("verify", "ok", time.Since(start))
	v.transition(slug, StatePendingServerCall, StateSignatureVerified)
	v.record(ctx, result, true)
	return result
}

func (v *Validator) verifyChunk(ctx context.Context, slugs []string) map[string]Result {
	results := make(map[string]Result, len(slugs))
	failAll := func(kind ErrorKind, cause error) map[string]Result {
		for _, slug := range slugs {
			results[slug] = v.graceCheck(ctx, slug, kind, cause)
		}
		return results
	}

	nonce, err := licenseapi.NewNonce()
	if err != nil {
		return failAll(ErrorNetwork, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	body, err := v.transport.VerifyBatch(callCtx, licenseapi.BatchRequest{PluginSlugs: slugs, Nonce: nonce})
	if err != nil {
		monitoring.RecordServerCall("verify_batch", string(ErrorNetwork), time.Since(start))
		return failAll(ErrorNetwork, err)
	}

	resp, err := v.openBatchResponse(body, slugs, nonce)
	if err != nil {
		kind := kindOf(err)
		monitoring.RecordServerCall("verify_batch", string(kind), time.Since(start))
		return failAll(kind, err)
	}
	monitoring.RecordServerCall("verify_batch", "ok", time.Since(start))

	for _, status := range resp.Results {
		r := v.statusResult(status, resp.VerifiedAt)
		if err := v.checkLicenseExpiry(r); err != nil {
			results[status.PluginSlug] = v.graceCheck(ctx, status.PluginSlug, kindOf(err), err)
			continue
		}
		v.record(ctx, r, false)
		results[status.PluginSlug] = r
	}
	return results
}

// record persists a verified result. Negative results from a single check
// are cached; negative batch entries only clear state.
func (v *Validator) record(ctx context.Context, r Result, cacheNegative bool) {
	logger := v.log.WithField("plugin", r.PluginSlug)

	if r.Valid {
		ttl := v.cfg.CacheTTL
		if !r.ExpiresAt.IsZero() {
			if untilExpiry := r.ExpiresAt.Sub(v.now()); untilExpiry < ttl {
				ttl = untilExpiry
			}
		}
		if ttl > 0 {
			if _, err := v.cache.PutIfNewer(ctx, r, ttl); err != nil {
				logger.WithError(err).Warn("Failed to cache verified result")
			}
		}
		if err := v.cache.RememberGood(ctx, r, v.cfg.CacheTTL+v.cfg.GracePeriod); err != nil {
			logger.WithError(err).Warn("Failed to record last known good result")
		}
		return
	}

	if cacheNegative {
		if _, err := v.cache.PutIfNewer(ctx, r, v.cfg.CacheTTL); err != nil {
			logger.WithError(err).Warn("Failed to cache verified result")
		}
	} else if err := v.cache.Invalidate(ctx, r.PluginSlug); err != nil {
		logger.WithError(err).Warn("Failed to invalidate cache entry")
	}

	if err := v.cache.ForgetGood(ctx, r.PluginSlug); err != nil {
		logger.WithError(err).Warn("Failed to drop last known good result")
	}
}

// graceCheck decides a failed verification from the last known good result.
func (v *Validator) graceCheck(ctx context.Context, slug string, kind ErrorKind, cause error) Result {
	surfaced := kind
	if kind == ErrorMalformedResponse {
		surfaced = ErrorInvalidSignature
	}

	logger := v.log.WithFields(logrus.Fields{"plugin": slug, "error_kind": kind})
	logger.WithError(cause).Warn("License verification failed, evaluating grace period")

	from := StateNetworkError
	if kind != ErrorNetwork {
		from = StateSignatureFailed
	}
	v.transition(slug, from, StateGraceCheck)

	now := v.now()
	if good, ok := v.cache.LastGood(ctx, slug); ok {
		elapsed := max(now.Sub(good.VerifiedAt), 0)
		licenseLive := good.ExpiresAt.IsZero() || now.Before(good.ExpiresAt)

		if elapsed <= v.cfg.GracePeriod && licenseLive {
			v.transition(slug, StateGraceCheck, StateGraceActive)
			return Result{
				PluginSlug:     slug,
				Valid:          true,
				Error:          surfaced,
				Reason:         good.Reason,
				ExpiresAt:      good.ExpiresAt,
				VerifiedAt:     good.VerifiedAt,
				Claims:         good.Claims,
				Grace:          true,
				GraceRemaining: v.cfg.GracePeriod - elapsed,
				State:          StateGraceActive,
			}
		}
	}

	v.transition(slug, StateGraceCheck, StateExpiredNoGrace)
	return Result{
		PluginSlug: slug,
		Valid:      false,
		Error:      surfaced,
		State:      StateExpiredNoGrace,
	}
}

// openVerifyResponse checks the response signature before reading any
// field, then binds it to this request, this site and this plugin.
func (v *Validator) openVerifyResponse(body []byte, slug, nonce string) (Result, error) {
	var resp licenseapi.VerifyResponse
	if err := signing.OpenJSON(body, v.cfg.SharedSecret, &resp); err != nil {
		return Result{}, err
	}
	if err := v.checkEnvelope(resp.RequestNonce, nonce, resp.SiteDomain, resp.VerifiedAt); err != nil {
		return Result{}, err
	}
	if resp.PluginSlug != slug {
		return Result{}, newVerifyError(ErrorInvalidSignature, "response is for plugin %q, requested %q", resp.PluginSlug, slug)
	}

	r := v.statusResult(resp.Status(), resp.VerifiedAt)
	if !r.Valid {
		return r, nil
	}

	if resp.Token == "" {
		return Result{}, newVerifyError(ErrorMalformedResponse, "positive response without license token")
	}
	claims, err := v.codec.Verify(resp.Token, v.cfg.SharedSecret)
	if err != nil {
		return Result{}, err
	}
	if tokenSlug, _ := claims.String(licenseapi.ClaimPluginSlug); tokenSlug != slug {
		return Result{}, newVerifyError(ErrorInvalidSignature, "license token is for plugin %q", tokenSlug)
	}
	if valid, ok := claims.Bool(licenseapi.ClaimValid); !ok || !valid {
		return Result{}, newVerifyError(ErrorInvalidSignature, "license token does not grant the plugin")
	}
	if v.cfg.SiteDomain != "" {
		if domain, _ := claims.String(licenseapi.ClaimSiteDomain); !sameDomain(domain, v.cfg.SiteDomain) {
			return Result{}, newVerifyError(ErrorInvalidSignature, "license token is bound to site %q", domain)
		}
	}
	r.Claims = claims

	if err := v.checkLicenseExpiry(r); err != nil {
		return Result{}, err
	}
	return r, nil
}

func (v *Validator) openBatchResponse(body []byte, slugs []string, nonce string) (*licenseapi.BatchResponse, error) {
	var resp licenseapi.BatchResponse
	if err := signing.OpenJSON(body, v.cfg.SharedSecret, &resp); err != nil {
		return nil, err
	}
	if err := v.checkEnvelope(resp.RequestNonce, nonce, resp.SiteDomain, resp.VerifiedAt); err != nil {
		return nil, err
	}

	requested := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		requested[slug] = false
	}
	for _, status := range resp.Results {
		seen, ok := requested[status.PluginSlug]
		if !ok {
			return nil, newVerifyError(ErrorMalformedResponse, "batch response contains unrequested plugin %q", status.PluginSlug)
		}
		if seen {
			return nil, newVerifyError(ErrorMalformedResponse, "batch response repeats plugin %q", status.PluginSlug)
		}
		requested[status.PluginSlug] = true
	}
	if len(resp.Results) != len(slugs) {
		return nil, newVerifyError(ErrorMalformedResponse, "batch response has %d results for %d plugins", len(resp.Results), len(slugs))
	}
	return &resp, nil
}

// checkEnvelope binds a signed response to the request nonce and this site
// and rejects server timestamps too far in the future.
func (v *Validator) checkEnvelope(echoed, nonce, siteDomain string, verifiedAt int64) error {
	if echoed != nonce {
		return newVerifyError(ErrorInvalidSignature, "request nonce mismatch")
	}
	if v.cfg.SiteDomain != "" && !sameDomain(siteDomain, v.cfg.SiteDomain) {
		return newVerifyError(ErrorInvalidSignature, "response is bound to site %q", siteDomain)
	}
	if verifiedAt <= 0 {
		return newVerifyError(ErrorMalformedResponse, "response has no verification time")
	}
	if time.Unix(verifiedAt, 0).After(v.now().Add(v.cfg.MaxClockSkew)) {
		return newVerifyError(ErrorNotYetValid, "response verified in the future")
	}
	return nil
}

func (v *Validator) checkLicenseExpiry(r Result) error {
	if r.Valid && !r.ExpiresAt.IsZero() && !v.now().Before(r.ExpiresAt) {
		return newVerifyError(ErrorExpired, "license for %q expired at %s", r.PluginSlug, r.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) statusResult(status licenseapi.LicenseStatus, verifiedAt int64) Result {
	r := Result{
		PluginSlug: status.PluginSlug,
		Valid:      status.Valid,
		Reason:     status.Reason,
		VerifiedAt: time.Unix(verifiedAt, 0),
		State:      StateSignatureVerified,
	}
	if status.ExpiresAt > 0 {
		r.ExpiresAt = time.Unix(status.ExpiresAt, 0)
	}
	if !r.Valid {
		r.Error = ErrorLicenseInvalid
	}
	return r
}

// finish publishes a decision to metrics and the memo.
func (v *Validator) finish(ctx context.Context, r Result) Result {
	monitoring.RecordValidation(string(r.State), r.Valid)
	if r.Grace {
		monitoring.SetGraceRemaining(r.PluginSlug, r.GraceRemaining)
	} else {
		monitoring.SetGraceRemaining(r.PluginSlug, 0)
	}
	memoFrom(ctx).put(r)
	return r
}

func (v *Validator) transition(slug string, from, to State) {
	v.log.WithFields(logrus.Fields{
		"plugin": slug,
		"from":   from,
		"to":     to,
	}).Debug("License state transition")
}

func notConfigured(slug string) Result {
	return Result{
		PluginSlug: slug,
		Valid:      false,
		Error:      ErrorNotConfigured,
		State:      StateUnchecked,
	}
}

// verifyError carries the ErrorKind of a rejected response.
type verifyError struct {
	kind ErrorKind
	msg  string
}

func newVerifyError(kind ErrorKind, format string, args ...any) error {
	return &verifyError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *verifyError) Error() string {
	return e.msg
}

// kindOf maps a verification error to its ErrorKind.
func kindOf(err error) ErrorKind {
	var ve *verifyError
	switch {
	case errors.As(err, &ve):
		return ve.kind
	case errors.Is(err, signing.ErrTokenExpired):
		return ErrorExpired
	case errors.Is(err, signing.ErrTokenNotYetValid):
		return ErrorNotYetValid
	case errors.Is(err, signing.ErrMalformedPayload),
		errors.Is(err, signing.ErrMissingSignature),
		errors.Is(err, signing.ErrMalformedToken):
		return ErrorMalformedResponse
	default:
		return ErrorInvalidSignature
	}
}

func sameDomain(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

func uniqueSlugs(slugs []string) []string {
	seen := make(map[string]struct{}, len(slugs))
	out := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}
