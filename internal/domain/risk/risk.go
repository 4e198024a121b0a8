package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Factor weights. The total is capped at MaxScore.
const (
	WeightIPVelocity      = 25
	WeightCardVelocity    = 25
	WeightBlacklist       = 60
	WeightSuspiciousAgent = 15
	WeightFastForm        = 20
	WeightRoundAmount     = 10
	WeightOffHours        = 10
	WeightHighRiskCountry = 15

	MaxScore = 100
)

// Factor codes.
const (
	FactorIPVelocity      = "ip_velocity"
	FactorCardVelocity    = "card_velocity"
	FactorBlacklistIP     = "blacklist_ip"
	FactorBlacklistEmail  = "blacklist_email"
	FactorBlacklistCard   = "blacklist_card"
	FactorSuspiciousAgent = "suspicious_user_agent"
	FactorFastForm        = "fast_form"
	FactorRoundAmount     = "round_amount"
	FactorOffHours        = "off_hours"
	FactorHighRiskCountry = "high_risk_country"
)

// Level is the coarse risk band of a score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
	LevelCritical Level = "critical"
)

// Action is the checkout decision derived from a score.
type Action string

const (
	ActionAllow         Action = "allow"
	ActionMonitor       Action = "monitor"
	ActionFlagForReview Action = "flag_for_review"
	ActionRequire3DS    Action = "require_3ds"
	ActionBlock         Action = "block"
)

// Attempt describes one checkout attempt.
type Attempt struct {
	IP              string
	Email           string
	CardFingerprint string
	UserAgent       string
	// Country is an ISO 3166-1 alpha-2 code.
	Country     string
	AmountMinor int64
	// FormDuration is how long the customer spent on the checkout form.
	// Zero means unknown.
	FormDuration time.Duration
	At           time.Time
}

// Factor is one contribution to a score.
type Factor struct {
	Code   string `json:"code"`
	Weight int    `json:"weight"`
}

// Assessment is the result of scoring an attempt.
type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Factors []Factor `json:"factors"`
	Action  Action   `json:"action"`
}

// Summary renders the assessment as a single audit line.
func (a Assessment) Summary() string {
	codes := make([]string, len(a.Factors))
	for i, f := range a.Factors {
		codes[i] = f.Code
	}
	return fmt.Sprintf("score=%d level=%s action=%s factors=%s",
		a.Score, a.Level, a.Action, strings.Join(codes, ","))
}

// Classify maps a score to its level and action.
func Classify(score int) (Level, Action) {
	switch {
	case score >= 80:
		return LevelCritical, ActionBlock
	case score >= 60:
		return LevelVeryHigh, ActionRequire3DS
	case score >= 40:
		return LevelHigh, ActionFlagForReview
	case score >= 20:
		return LevelMedium, ActionMonitor
	default:
		return LevelLow, ActionAllow
	}
}

// Counter is a fixed-window event counter shared across instances.
type Counter interface {
	// Incr increments key and returns the count within the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Config tunes the scorer.
type Config struct {
	IPVelocityLimit    int
	IPVelocityWindow   time.Duration
	CardVelocityLimit  int
	CardVelocityWindow time.Duration
	MinFormDuration    time.Duration
	// RoundAmountUnit is the minor-unit multiple considered a round amount.
	RoundAmountUnit   int64
	OffHoursStart     int
	OffHoursEnd       int
	Location          *time.Location
	HighRiskCountries []string
	SuspiciousAgents  []string
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		IPVelocityLimit:    5,
		IPVelocityWindow:   time.Hour,
		CardVelocityLimit:  3,
		CardVelocityWindow: 24 * time.Hour,
		MinFormDuration:    2 * time.Second,
		RoundAmountUnit:    10000,
		OffHoursStart:      0,
		OffHoursEnd:        6,
		Location:           loc,
		HighRiskCountries:  []string{"NG", "KP", "IR", "RU", "VE"},
		SuspiciousAgents: []string{
			"curl", "wget", "python-requests", "httpclient", "headless", "phantomjs", "selenium", "bot", "scrapy",
		},
	}
}

// Scorer computes additive risk scores. It never mutates orders.
type Scorer struct {
	cfg       Config
	counter   Counter
	blacklist Blacklist
	countries map[string]struct{}
}

// NewScorer creates a Scorer.
func NewScorer(cfg Config, counter Counter, blacklist Blacklist) *Scorer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	countries := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		countries[strings.ToUpper(c)] = struct{}{}
	}
	return &Scorer{
		cfg:       cfg,
		counter:   counter,
		blacklist: blacklist,
		countries: countries,
	}
}

// Score assesses a. Store failures degrade the affected factor to zero and
// are logged; only context cancellation is returned as an error.
func (s *Scorer) Score(ctx context.Context, a Attempt) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	lg := zctx.From(ctx)

	var factors []Factor
	add := func(code string, weight int) {
		factors = append(factors, Factor{Code: code, Weight: weight})
	}

	if a.IP != "" && s.exceeds(ctx, "risk:ip:"+a.IP, s.cfg.IPVelocityWindow, s.cfg.IPVelocityLimit) {
		add(FactorIPVelocity, WeightIPVelocity)
	}
	if a.CardFingerprint != "" &&
		s.exceeds(ctx, "risk:card:"+a.CardFingerprint, s.cfg.CardVelocityWindow, s.cfg.CardVelocityLimit) {
		add(FactorCardVelocity, WeightCardVelocity)
	}

	if s.blacklist != nil {
		for _, probe := range []struct {
			kind   EntryKind
			value  string
			factor string
		}{
			{EntryIP, a.IP, FactorBlacklistIP},
			{EntryEmail, a.Email, FactorBlacklistEmail},
			{EntryCard, a.CardFingerprint, FactorBlacklistCard},
		} {
			if probe.value == "" {
				continue
			}
			hit, err := s.blacklist.Contains(ctx, probe.kind, normalizeValue(probe.value))
			if err != nil {
				lg.Warn("Blacklist lookup failed", zap.String("kind", string(probe.kind)), zap.Error(err))
				continue
			}
			if hit {
				// A single blacklist hit is enough; further hits add nothing.
				add(probe.factor, WeightBlacklist)
				break
			}
		}
	}

	if s.suspiciousAgent(a.UserAgent) {
		add(FactorSuspiciousAgent, WeightSuspiciousAgent)
	}
	if a.FormDuration > 0 && a.FormDuration < s.cfg.MinFormDuration {
		add(FactorFastForm, WeightFastForm)
	}
	if s.cfg.RoundAmountUnit > 0 && a.AmountMinor >= s.cfg.RoundAmountUnit && a.AmountMinor%s.cfg.RoundAmountUnit == 0 {
		add(FactorRoundAmount, WeightRoundAmount)
	}
	if !a.At.IsZero() && s.offHours(a.At) {
		add(FactorOffHours, WeightOffHours)
	}
	if _, ok := s.countries[strings.ToUpper(a.Country)]; ok && a.Country != "" {
		add(FactorHighRiskCountry, WeightHighRiskCountry)
	}

	score := 0
	for _, f := range factors {
		score += f.Weight
	}
	if score > MaxScore {
		score = MaxScore
	}
	level, action := Classify(score)

	return Assessment{
		Score:   score,
		Level:   level,
		Factors: factors,
		Action:  action,
	}, nil
}

func (s *Scorer) exceeds(ctx context.Context, key string, window time.Duration, limit int) bool {
	if s.counter == nil || limit <= 0 {
		return false
	}
	n, err := s.counter.Incr(ctx, key, window)
	if err != nil {
		zctx.From(ctx).Warn("Velocity counter failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > int64(limit)
}

func (s *Scorer) suspiciousAgent(ua string) bool {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return true
	}
	for _, marker := range s.cfg.SuspiciousAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

func (s *Scorer) offHours(at time.Time) bool {
	h := at.In(s.cfg.Location).Hour()
	if s.cfg.OffHoursStart <= s.cfg.OffHoursEnd {
		return h >= s.cfg.OffHoursStart && h < s.cfg.OffHoursEnd
	}
	// Window wraps midnight, e.g. 22..5.
	return h >= s.cfg.OffHoursStart || h < s.cfg.OffHoursEnd
}
