package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/embeddings"
	"github.com/regulens/compliance-core/internal/errs"
	"github.com/regulens/compliance-core/internal/obs/metrics"
	"github.com/regulens/compliance-core/internal/resilience"
	"github.com/regulens/compliance-core/internal/similarity"
	"github.com/regulens/compliance-core/internal/store"
)

// ImpactAssessor implements the deterministic, rule-based regulatory impact
// assessment algorithm (§4.5.1), keyed off keyword tables carried over from
// the original implementation's configuration.
type ImpactAssessor struct {
	store     store.Store
	embedder  embeddings.Provider
	simIndex  similarity.Index
	metrics   *metrics.Metrics
	simK      int
	simThresh float64
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
}

// NewImpactAssessor constructs an ImpactAssessor.
func NewImpactAssessor(st store.Store, embedder embeddings.Provider, idx similarity.Index, m *metrics.Metrics) *ImpactAssessor {
	return &ImpactAssessor{
		store: st, embedder: embedder, simIndex: idx, metrics: m, simK: 5, simThresh: 0.7,
		breaker: resilience.New(resilience.DefaultConfig()),
		retry:   resilience.DefaultRetryConfig(),
	}
}

var (
	urgencyKeywords = []string{
		"immediate", "urgent", "emergency", "deadline", "effective immediately",
		"must comply", "enforcement action", "penalty", "violation",
	}
	scopeKeywords = []string{
		"all banks", "all institutions", "systemically important", "large banks",
		"financial institutions", "banking organizations", "covered entities",
	}
	complexityKeywords = []string{
		"implementation", "procedures", "policies", "training", "system changes",
		"process updates", "documentation", "reporting requirements",
	}
	costKeywords = []string{
		"capital requirements", "investment", "resources", "staffing",
		"technology upgrades", "compliance costs", "operational expenses",
	}

	businessUnitKeywords = map[string][]string{
		"compliance": {"compliance", "regulatory", "supervision", "examination", "reporting"},
		"risk":       {"risk management", "credit risk", "market risk", "operational risk", "stress test"},
		"operations": {"operations", "transaction", "customer service", "business continuity"},
		"legal":      {"legal", "litigation", "contracts", "agreements", "documentation"},
		"technology": {"technology", "systems", "cybersecurity", "data", "information security"},
		"finance":    {"financial", "accounting", "capital", "liquidity", "earnings"},
	}

	systemKeywords = map[string][]string{
		"core_banking":      {"core banking", "transaction processing", "account management"},
		"risk_system":       {"risk system", "risk management", "stress testing", "model validation"},
		"compliance_system": {"compliance system", "regulatory reporting", "monitoring"},
		"trading_system":    {"trading", "market making", "securities"},
		"payment_system":    {"payments", "wire transfers", "ach", "swift"},
		"customer_system":   {"customer management", "crm", "customer data"},
		"reporting_system":  {"reporting", "data warehouse", "analytics"},
		"security_system":   {"cybersecurity", "information security", "access control"},
	}

	processKeywords = map[string][]string{
		"customer_onboarding":    {"customer onboarding", "account opening", "kyc"},
		"transaction_monitoring": {"transaction monitoring", "aml monitoring", "suspicious activity"},
		"risk_assessment":        {"risk assessment", "credit analysis", "underwriting"},
		"regulatory_reporting":   {"regulatory reporting", "filing", "submission"},
		"audit_process":          {"audit", "examination", "review", "assessment"},
		"incident_management":    {"incident", "breach", "violation", "remediation"},
		"change_management":      {"change management", "implementation", "deployment"},
		"training_process":       {"training", "education", "awareness"},
	}

	actionKeywords = map[string][]string{
		"policy_update": {"policy", "policies", "procedure", "procedures"},
		"system_change": {"system", "technology", "software", "application"},
		"training":      {"training", "education", "awareness", "instruction"},
		"reporting":     {"report", "reporting", "submission", "filing"},
		"monitoring":    {"monitor", "monitoring", "surveillance", "oversight"},
		"documentation": {"document", "documentation", "record", "records"},
		"assessment":    {"assess", "assessment", "evaluation", "review"},
		"testing":       {"test", "testing", "validation", "verification"},
	}

	actionText = map[string]string{
		"policy_update": "Update policies and procedures",
		"system_change": "Implement system changes",
		"training":      "Conduct staff training",
		"reporting":     "Implement new reporting requirements",
		"monitoring":    "Establish monitoring processes",
		"documentation": "Update documentation and records",
		"assessment":    "Conduct impact assessment",
		"testing":       "Perform testing and validation",
	}

	highEffortKeywords = []string{
		"new system", "system development", "major changes", "significant investment",
		"extensive training", "process redesign", "organizational changes",
	}
	mediumEffortKeywords = []string{
		"policy updates", "procedure changes", "reporting changes", "training required",
		"system modifications", "process improvements",
	}
	lowEffortKeywords = []string{"minor changes", "documentation updates", "clarification", "guidance"}

	categoryKeywords = map[domain.ImpactCategory][]string{
		domain.CategoryOperational:  {"operations", "process", "procedure", "workflow"},
		domain.CategoryFinancial:    {"financial", "cost", "capital", "liquidity", "earnings"},
		domain.CategoryLegal:        {"legal", "litigation", "compliance", "regulatory"},
		domain.CategoryReputational: {"reputation", "public", "media", "customer trust"},
		domain.CategoryStrategic:    {"strategic", "business model", "competitive"},
		domain.CategoryTechnology:   {"technology", "system", "cybersecurity", "data"},
		domain.CategoryCompliance:   {"compliance", "regulatory", "requirement", "obligation"},
		domain.CategoryCustomer:     {"customer", "client", "consumer", "service"},
	}

	deadlinePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)effective\s+(\w+\s+\d{1,2},?\s+\d{4})`),
		regexp.MustCompile(`(?i)compliance\s+by\s+(\w+\s+\d{1,2},?\s+\d{4})`),
		regexp.MustCompile(`(?i)must\s+comply\s+by\s+(\w+\s+\d{1,2},?\s+\d{4})`),
	}

	dateLayouts = []string{"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006"}
)

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func anyMatch(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func ratio(count int, denom float64) float64 {
	v := float64(count) / denom
	if v > 1 {
		return 1
	}
	return v
}

// Assess implements §4.5.1's assessment algorithm. force=true bypasses the
// idempotence cache and persists a new assessment as current, retaining the
// previous one as history (Open Question #1).
func (a *ImpactAssessor) Assess(ctx context.Context, doc domain.RegulatoryDocument, force bool) (*domain.ImpactAssessment, error) {
	if !force {
		if existing, ok, err := a.currentAssessment(ctx, doc.ID); err != nil {
			return nil, err
		} else if ok {
			return existing, nil
		}
	}

	text := strings.Join(nonEmpty(doc.Title, doc.Summary, doc.FullText), "\n\n")
	textLower := strings.ToLower(text)

	urgency := ratio(countMatches(textLower, urgencyKeywords), 3.0)
	scope := ratio(countMatches(textLower, scopeKeywords), 2.0)
	complexity := ratio(countMatches(textLower, complexityKeywords), 4.0)
	cost := ratio(countMatches(textLower, costKeywords), 3.0)
	score := 0.30*urgency + 0.25*scope + 0.25*complexity + 0.20*cost
	level := bandOf(score)

	units := a.businessUnits(textLower)
	systems := a.systems(textLower)
	processes := a.processes(textLower)
	actions := a.actions(textLower)
	risks := a.risks(textLower)
	categories := a.categories(textLower)
	effort := a.implementationEffort(textLower)
	cost64, timeline := a.costAndTimeline(textLower, doc.ComplianceDeadline)
	deadline := a.complianceDeadline(doc)
	similar := a.similarRegulations(ctx, doc)
	mitigations := a.mitigationStrategies(level, categories, risks)
	confidence := confidenceScore(10, 10, text)
	rationale := rationaleOf(level, categories, score)

	assessment := &domain.ImpactAssessment{
		ID:                    uuid.New().String(),
		DocumentID:            doc.ID,
		Level:                 level,
		Score:                 score,
		Categories:            categories,
		AffectedBusinessUnits: units,
		AffectedSystems:       systems,
		AffectedProcesses:     processes,
		RequiredActions:       actions,
		RiskFactors:           risks,
		MitigationStrategies:  mitigations,
		ImplementationEffort:  effort,
		EstimatedCost:         cost64,
		EstimatedTimeline:     timeline,
		ComplianceDeadline:    deadline,
		SimilarDocuments:      similar,
		Confidence:            confidence,
		Rationale:             rationale,
		Current:               true,
		CreatedAt:             time.Now(),
	}

	if err := a.persist(ctx, assessment); err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.RecordImpactAssessment("compliance-core", string(level), score)
	}
	return assessment, nil
}

func nonEmpty(parts ...string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func bandOf(score float64) domain.ImpactLevel {
	switch {
	case score >= 0.8:
		return domain.ImpactCritical
	case score >= 0.6:
		return domain.ImpactHigh
	case score >= 0.4:
		return domain.ImpactMedium
	case score >= 0.2:
		return domain.ImpactLow
	default:
		return domain.ImpactNone
	}
}

func (a *ImpactAssessor) businessUnits(text string) []string {
	var units []string
	for unit, keywords := range businessUnitKeywords {
		if anyMatch(text, keywords) {
			units = append(units, unit)
		}
	}
	if !contains(units, "compliance") {
		units = append(units, "compliance")
	}
	return units
}

func (a *ImpactAssessor) systems(text string) []string {
	var out []string
	for sys, keywords := range systemKeywords {
		if anyMatch(text, keywords) {
			out = append(out, sys)
		}
	}
	return out
}

func (a *ImpactAssessor) processes(text string) []string {
	var out []string
	for p, keywords := range processKeywords {
		if anyMatch(text, keywords) {
			out = append(out, p)
		}
	}
	return out
}

func (a *ImpactAssessor) actions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for kind, keywords := range actionKeywords {
		if anyMatch(text, keywords) {
			label := actionText[kind]
			if !seen[label] {
				seen[label] = true
				out = append(out, label)
			}
		}
	}
	return out
}

func (a *ImpactAssessor) risks(text string) []string {
	var risks []string
	if anyMatch(text, []string{"penalty", "fine", "enforcement"}) {
		risks = append(risks, "Regulatory penalties for non-compliance")
	}
	if anyMatch(text, []string{"system", "technology", "implementation"}) {
		risks = append(risks, "Technology implementation risks")
	}
	if anyMatch(text, []string{"deadline", "timeline", "effective date"}) {
		risks = append(risks, "Timeline and deadline risks")
	}
	if anyMatch(text, []string{"cost", "investment", "resources"}) {
		risks = append(risks, "Budget and resource allocation risks")
	}
	if anyMatch(text, []string{"training", "personnel", "staffing"}) {
		risks = append(risks, "Staff readiness and training risks")
	}
	if anyMatch(text, []string{"customer", "client", "service"}) {
		risks = append(risks, "Customer impact and service disruption risks")
	}
	if anyMatch(text, []string{"data", "information", "privacy"}) {
		risks = append(risks, "Data privacy and security risks")
	}
	return risks
}

func (a *ImpactAssessor) categories(text string) []domain.ImpactCategory {
	var out []domain.ImpactCategory
	for cat, keywords := range categoryKeywords {
		if anyMatch(text, keywords) {
			out = append(out, cat)
		}
	}
	if !containsCategory(out, domain.CategoryCompliance) {
		out = append(out, domain.CategoryCompliance)
	}
	return out
}

func (a *ImpactAssessor) implementationEffort(text string) domain.ImplementationEffort {
	score := 0
	score += 2 * countMatches(text, highEffortKeywords)
	score += countMatches(text, mediumEffortKeywords)
	if anyMatch(text, lowEffortKeywords) {
		score--
	}
	if score < 0 {
		score = 0
	}
	switch {
	case score >= 6:
		return domain.EffortSignificant
	case score >= 4:
		return domain.EffortHigh
	case score >= 2:
		return domain.EffortMedium
	default:
		return domain.EffortLow
	}
}

func (a *ImpactAssessor) costAndTimeline(text string, complianceDeadline *time.Time) (*float64, string) {
	var timeline string
	if complianceDeadline != nil {
		days := int(time.Until(*complianceDeadline).Hours() / 24)
		switch {
		case days <= 90:
			timeline = "1-3 months"
		case days <= 180:
			timeline = "3-6 months"
		case days <= 365:
			timeline = "6-12 months"
		default:
			timeline = "12+ months"
		}
	} else if anyMatch(text, []string{"immediate", "urgent", "emergency"}) {
		timeline = "1-3 months"
	} else if anyMatch(text, []string{"significant", "major", "substantial"}) {
		timeline = "6-12 months"
	} else {
		timeline = "3-6 months"
	}

	indicators := 0
	if strings.Contains(text, "system") {
		indicators += 2
	}
	if strings.Contains(text, "training") {
		indicators++
	}
	if strings.Contains(text, "staffing") || strings.Contains(text, "personnel") {
		indicators += 2
	}
	if strings.Contains(text, "capital") {
		indicators += 3
	}

	var cost *float64
	switch {
	case indicators >= 5:
		cost = floatPtr(1_000_000)
	case indicators >= 3:
		cost = floatPtr(500_000)
	case indicators >= 1:
		cost = floatPtr(100_000)
	}
	return cost, timeline
}

func floatPtr(v float64) *float64 { return &v }

// complianceDeadline implements §4.5.1's precedence: explicit field first,
// then the first regex match of a date phrase parsed with a tolerant
// multi-layout parser.
func (a *ImpactAssessor) complianceDeadline(doc domain.RegulatoryDocument) *time.Time {
	if doc.ComplianceDeadline != nil {
		return doc.ComplianceDeadline
	}
	text := doc.FullText + " " + doc.Summary
	for _, pattern := range deadlinePatterns {
		m := pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if t, ok := parseFlexibleDate(m[1]); ok {
			return &t
		}
	}
	return nil
}

func parseFlexibleDate(s string) (time.Time, bool) {
	s = strings.ReplaceAll(s, ",", ",")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (a *ImpactAssessor) similarRegulations(ctx context.Context, doc domain.RegulatoryDocument) []domain.SimilarDocument {
	if a.embedder == nil || a.simIndex == nil {
		return nil
	}
	query := doc.FullText
	if len(query) > 2000 {
		query = query[:2000]
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}
	var vectors [][]float64
	embedErr := a.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, a.retry, func() error {
			v, err := a.embedder.Embed(ctx, []string{query})
			if err != nil {
				return err
			}
			vectors = v
			return nil
		})
	})
	if embedErr != nil || len(vectors) == 0 {
		return nil
	}

	var matches []similarity.Match
	searchErr := a.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, a.retry, func() error {
			m, err := a.simIndex.Search(ctx, vectors[0], a.simK, a.simThresh, nil)
			if err != nil {
				return err
			}
			matches = m
			return nil
		})
	})
	if searchErr != nil {
		return nil
	}
	out := make([]domain.SimilarDocument, 0, len(matches))
	for _, m := range matches {
		if m.DocumentID == doc.ID {
			continue
		}
		out = append(out, domain.SimilarDocument{DocumentID: m.DocumentID, Score: m.Score})
	}
	return out
}

func (a *ImpactAssessor) mitigationStrategies(level domain.ImpactLevel, categories []domain.ImpactCategory, risks []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if level == domain.ImpactCritical || level == domain.ImpactHigh {
		add("Establish dedicated project team with senior leadership oversight")
		add("Implement accelerated timeline with milestone tracking")
	}
	if level == domain.ImpactCritical {
		add("Consider external consulting support for specialized expertise")
		add("Implement contingency planning for potential delays")
	}
	if containsCategory(categories, domain.CategoryTechnology) {
		add("Conduct thorough system testing in development environment")
		add("Plan for system rollback procedures")
	}
	if containsCategory(categories, domain.CategoryOperational) {
		add("Develop comprehensive training program for affected staff")
		add("Create detailed process documentation")
	}
	if containsCategory(categories, domain.CategoryFinancial) {
		add("Establish dedicated budget with contingency reserves")
		add("Monitor costs against budget throughout implementation")
	}

	riskText := strings.ToLower(strings.Join(risks, " "))
	if strings.Contains(riskText, "deadline") {
		add("Create detailed project timeline with buffer time")
	}
	if strings.Contains(riskText, "technology") {
		add("Engage IT early in planning process")
	}
	if strings.Contains(riskText, "training") {
		add("Begin training development early in project lifecycle")
	}
	return out
}

// confidenceScore implements §4.5.1's formula using the count of analysis
// subtasks attempted/succeeded (all of them: the subtasks run synchronously,
// and a failed similar-regulations lookup yields an empty list rather than
// an error) combined with text-length-derived quality.
func confidenceScore(successful, total int, text string) float64 {
	base := float64(successful) / float64(total)
	quality := ratio(len(text), 1000)
	return round2(0.7*base + 0.3*quality)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func rationaleOf(level domain.ImpactLevel, categories []domain.ImpactCategory, score float64) string {
	var parts []string
	switch level {
	case domain.ImpactCritical:
		parts = append(parts, "Assessed as CRITICAL impact due to high urgency, broad scope, or significant implementation requirements.")
	case domain.ImpactHigh:
		parts = append(parts, "Assessed as HIGH impact based on substantial operational or compliance requirements.")
	case domain.ImpactMedium:
		parts = append(parts, "Assessed as MEDIUM impact with moderate implementation effort required.")
	case domain.ImpactLow:
		parts = append(parts, "Assessed as LOW impact with minimal implementation requirements.")
	default:
		parts = append(parts, "Assessed as having minimal or no business impact.")
	}
	if len(categories) > 0 {
		names := make([]string, len(categories))
		for i, c := range categories {
			names[i] = string(c)
		}
		parts = append(parts, fmt.Sprintf("Primary impact areas: %s.", strings.Join(names, ", ")))
	}
	parts = append(parts, fmt.Sprintf("Overall impact score: %.2f out of 1.0.", score))
	return strings.Join(parts, " ")
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func containsCategory(cs []domain.ImpactCategory, v domain.ImpactCategory) bool {
	for _, c := range cs {
		if c == v {
			return true
		}
	}
	return false
}

// currentAssessment returns the assessment marked Current for documentID, if
// any (§4.5.1 idempotence).
func (a *ImpactAssessor) currentAssessment(ctx context.Context, documentID string) (*domain.ImpactAssessment, bool, error) {
	var rows []domain.ImpactAssessment
	if err := a.store.QueryByIndex(ctx, store.TableImpactAssessments, "DocumentID", documentID, &rows); err != nil {
		return nil, false, errs.Transient("query impact assessments", err)
	}
	for i := range rows {
		if rows[i].Current {
			return &rows[i], true, nil
		}
	}
	return nil, false, nil
}

// persist stores a new assessment as current, demoting any prior current
// assessment to history rather than deleting it (Open Question #1).
func (a *ImpactAssessor) persist(ctx context.Context, assessment *domain.ImpactAssessment) error {
	return a.store.Transaction(ctx, func(ctx context.Context, tx store.Store) error {
		if prior, ok, err := a.currentInTx(ctx, tx, assessment.DocumentID); err != nil {
			return err
		} else if ok {
			prior.Current = false
			if err := tx.Upsert(ctx, store.TableImpactAssessments, prior.ID, prior); err != nil {
				return errs.Transient("demote prior impact assessment", err)
			}
		}
		if err := tx.Upsert(ctx, store.TableImpactAssessments, assessment.ID, assessment); err != nil {
			return errs.Transient("persist impact assessment", err)
		}
		return nil
	})
}

func (a *ImpactAssessor) currentInTx(ctx context.Context, tx store.Store, documentID string) (*domain.ImpactAssessment, bool, error) {
	var rows []domain.ImpactAssessment
	if err := tx.QueryByIndex(ctx, store.TableImpactAssessments, "DocumentID", documentID, &rows); err != nil {
		return nil, false, errs.Transient("query impact assessments", err)
	}
	for i := range rows {
		if rows[i].Current {
			return &rows[i], true, nil
		}
	}
	return nil, false, nil
}
