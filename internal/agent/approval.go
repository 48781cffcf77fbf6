package agent

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/internal/observability"
)

// DefaultApprovalTTL is how long an approval request stays answerable.
const DefaultApprovalTTL = 5 * time.Minute

// PendingApproval is a tool execution held for a human decision.
type PendingApproval struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	Risk        RiskLevel      `json:"risk"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Approved    bool           `json:"approved"`
	Denied      bool           `json:"denied"`
}

// ExpiredAt reports whether the request is past its expiry at now.
func (p *PendingApproval) ExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// PendingAt reports whether the request is still awaiting a decision at now.
func (p *PendingApproval) PendingAt(now time.Time) bool {
	return !p.Approved && !p.Denied && !p.ExpiredAt(now)
}

// State returns "approved", "denied", "expired", or "pending" as of now.
func (p *PendingApproval) State(now time.Time) string {
	switch {
	case p.Approved:
		return "approved"
	case p.Denied:
		return "denied"
	case p.ExpiredAt(now):
		return "expired"
	default:
		return "pending"
	}
}

// FormatForDisplay renders the request as a chat card with the approve and
// deny commands inline.
func (p *PendingApproval) FormatForDisplay() string {
	keys := make([]string, 0, len(p.Arguments))
	for k := range p.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args strings.Builder
	for i, k := range keys {
		if i > 0 {
			args.WriteString("\n")
		}
		v := fmt.Sprintf("%v", p.Arguments[k])
		if len(v) > 100 {
			v = v[:100]
		}
		fmt.Fprintf(&args, "  %s: %s", k, v)
	}

	emoji := map[RiskLevel]string{
		RiskDangerous: "🔴",
		RiskModerate:  "🟡",
		RiskSafe:      "🟢",
	}[p.Risk]

	return fmt.Sprintf(
		"%s **Approval Required**\n\n"+
			"**Tool:** `%s`\n"+
			"**Risk:** %s\n"+
			"**Arguments:**\n```\n%s\n```\n\n"+
			"Reply `/approve %s` to execute\n"+
			"Reply `/deny %s` to cancel\n"+
			"_Expires at %s_",
		emoji, p.ToolName, p.Risk, args.String(), p.ID, p.ID,
		p.ExpiresAt.Local().Format("15:04:05"),
	)
}

// GateConfig configures the approval gate.
type GateConfig struct {
	// Required gates dangerous tools behind approval. False waves
	// everything through.
	Required bool

	// TTL is how long requests stay answerable. Zero means
	// DefaultApprovalTTL.
	TTL time.Duration

	// DefaultRisk applies to tools absent from the risk map. Empty means
	// moderate.
	DefaultRisk RiskLevel

	// Overrides replace or extend the built-in risk classifications.
	Overrides map[string]RiskLevel
}

// ApprovalGate intercepts dangerous tool calls and holds them until a human
// approves, denies, or the request expires. Expired requests are swept
// lazily on Pending; there is no background reaper.
type ApprovalGate struct {
	mu       sync.Mutex
	levels   map[string]RiskLevel
	fallback RiskLevel
	required bool
	ttl      time.Duration
	pending  map[string]*pendingEntry

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type pendingEntry struct {
	approval *PendingApproval
	done     chan struct{}
}

// NewApprovalGate builds a gate from cfg, starting from DefaultRiskLevels.
func NewApprovalGate(cfg GateConfig, logger *observability.Logger, metrics *observability.Metrics) *ApprovalGate {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultApprovalTTL
	}
	if cfg.DefaultRisk == "" {
		cfg.DefaultRisk = RiskModerate
	}

	levels := maps.Clone(DefaultRiskLevels)
	for name, level := range cfg.Overrides {
		levels[name] = level
	}

	return &ApprovalGate{
		levels:   levels,
		fallback: cfg.DefaultRisk,
		required: cfg.Required,
		ttl:      cfg.TTL,
		pending:  make(map[string]*pendingEntry),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// RiskFor returns the risk level for a tool name.
func (g *ApprovalGate) RiskFor(toolName string) RiskLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if level, ok := g.levels[toolName]; ok {
		return level
	}
	return g.fallback
}

// SetRiskFor overrides the risk level for a tool at runtime.
func (g *ApprovalGate) SetRiskFor(toolName string, level RiskLevel) {
	g.mu.Lock()
	g.levels[toolName] = level
	g.mu.Unlock()
}

// NeedsApproval reports whether calling toolName requires a human decision.
func (g *ApprovalGate) NeedsApproval(toolName string) bool {
	if !g.required {
		return false
	}
	return g.RiskFor(toolName) == RiskDangerous
}

// Create records a new approval request and arms its completion channel.
// The returned value is a snapshot; gate state moves on without it.
func (g *ApprovalGate) Create(toolName string, arguments map[string]any, description string) *PendingApproval {
	if description == "" {
		description = fmt.Sprintf("Execute `%s` with given arguments", toolName)
	}

	g.mu.Lock()
	id := uuid.NewString()[:8]
	for _, taken := g.pending[id]; taken; _, taken = g.pending[id] {
		id = uuid.NewString()[:8]
	}

	now := g.now()
	level, ok := g.levels[toolName]
	if !ok {
		level = g.fallback
	}
	approval := &PendingApproval{
		ID:          id,
		ToolName:    toolName,
		Arguments:   maps.Clone(arguments),
		Risk:        level,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	g.pending[id] = &pendingEntry{approval: approval, done: make(chan struct{})}
	g.mu.Unlock()

	g.metrics.ApprovalsTotal.WithLabelValues("created").Inc()
	g.logger.Info("approval request created", "approval_id", id, "tool", toolName, "risk", string(approval.Risk))
	return cloneApproval(approval)
}

// Approve marks a pending request approved and wakes every waiter. Returns
// false if the id is unknown, already decided, or expired.
func (g *ApprovalGate) Approve(id string) bool {
	return g.decide(id, true)
}

// Deny marks a pending request denied and wakes every waiter. Returns false
// if the id is unknown, already decided, or expired.
func (g *ApprovalGate) Deny(id string) bool {
	return g.decide(id, false)
}

func (g *ApprovalGate) decide(id string, approve bool) bool {
	id = strings.ToLower(strings.TrimSpace(id))

	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok || !entry.approval.PendingAt(g.now()) {
		g.mu.Unlock()
		return false
	}
	if approve {
		entry.approval.Approved = true
	} else {
		entry.approval.Denied = true
	}
	close(entry.done)
	tool := entry.approval.ToolName
	g.mu.Unlock()

	outcome := "denied"
	if approve {
		outcome = "approved"
	}
	g.metrics.ApprovalsTotal.WithLabelValues(outcome).Inc()
	g.logger.Info("approval "+outcome, "approval_id", id, "tool", tool)
	return true
}

// Wait blocks until the request is decided, expires, the timeout elapses,
// or ctx is done. It returns true only for an approval.
func (g *ApprovalGate) Wait(ctx context.Context, id string, timeout time.Duration) bool {
	id = strings.ToLower(strings.TrimSpace(id))

	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	wait := timeout
	if until := entry.approval.ExpiresAt.Sub(g.now()); until < wait {
		wait = until
	}
	g.mu.Unlock()

	if wait > 0 {
		select {
		case <-entry.done:
		case <-time.After(wait):
			g.logger.Info("approval wait timed out", "approval_id", id)
			return false
		case <-ctx.Done():
			return false
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return entry.approval.Approved
}

// Get returns a snapshot of the request with the given id.
func (g *ApprovalGate) Get(id string) (*PendingApproval, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[id]
	if !ok {
		return nil, false
	}
	return cloneApproval(entry.approval), true
}

// Pending sweeps decided and expired requests, then returns snapshots of
// the ones still awaiting a decision, oldest first.
func (g *ApprovalGate) Pending() []*PendingApproval {
	now := g.now()

	g.mu.Lock()
	var out []*PendingApproval
	for id, entry := range g.pending {
		if entry.approval.PendingAt(now) {
			out = append(out, cloneApproval(entry.approval))
			continue
		}
		if !entry.approval.Approved && !entry.approval.Denied {
			g.metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
		}
		delete(g.pending, id)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneApproval(p *PendingApproval) *PendingApproval {
	out := *p
	out.Arguments = maps.Clone(p.Arguments)
	return &out
}
