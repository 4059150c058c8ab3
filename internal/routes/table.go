package routes

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrUnknownTool marks table operations addressing a tool_id that is
// not registered. The admin surface maps it to 404; every other
// mutation failure is an input error.
var ErrUnknownTool = fmt.Errorf("unknown tool_id")

// Table is the copy-on-write dispatch structure. Readers match against
// an immutable snapshot; admin mutations rebuild and swap the snapshot
// atomically, so in-flight requests keep a consistent view.
type Table struct {
	mu       sync.Mutex // serialises mutations only
	snapshot atomic.Pointer[tableSnapshot]
	// skipProbe disables the upstream-402 pre-check (test deployments).
	skipProbe bool
	logger    *log.Logger
}

type tableSnapshot struct {
	rules    []*compiledRule // registration order
	byToolID map[string]*compiledRule
}

type compiledRule struct {
	rule     Rule
	segments []segment
	order    int
}

type segment struct {
	literal string
	param   string // non-empty for :name segments
}

// Match is a successful dispatch: the matched rule plus the bound path
// parameters.
type Match struct {
	Rule   *Rule
	Params map[string]string
}

// NewTable compiles the initial rule set. Any validation or SSRF
// failure aborts (startup fails on a bad routes file).
func NewTable(ctx context.Context, rules []Rule, skipProbe bool) (*Table, error) {
	t := &Table{
		skipProbe: skipProbe,
		logger:    log.New(log.Writer(), "[RouteTable] ", log.LstdFlags),
	}
	snap := &tableSnapshot{byToolID: make(map[string]*compiledRule)}
	for i := range rules {
		if err := t.compileInto(ctx, snap, &rules[i], false); err != nil {
			return nil, err
		}
	}
	t.snapshot.Store(snap)
	t.logger.Printf("compiled %d routes", len(snap.rules))
	return t, nil
}

// compileInto validates a rule and appends it to the snapshot under
// construction. probe controls whether the upstream-402 pre-check runs
// (admin creations probe; startup load and price edits do not re-probe
// already-admitted backends).
func (t *Table) compileInto(ctx context.Context, snap *tableSnapshot, r *Rule, probe bool) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, dup := snap.byToolID[r.ToolID]; dup {
		return fmt.Errorf("duplicate tool_id %q", r.ToolID)
	}
	if !r.SkipSSRF {
		if err := CheckBackendURL(ctx, r.Provider.BackendURL); err != nil {
			return err
		}
	}
	if probe && !t.skipProbe && !r.SkipSSRF {
		if err := ProbeUpstream(ctx, nil, r.Provider.BackendURL); err != nil {
			return err
		}
	}
	cr := &compiledRule{
		rule:     *r,
		segments: splitTemplate(r.Path),
		order:    len(snap.rules),
	}
	snap.rules = append(snap.rules, cr)
	snap.byToolID[r.ToolID] = cr
	return nil
}

func splitTemplate(path string) []segment {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			segs = append(segs, segment{param: p[1:]})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	return segs
}

// Lookup matches (method, path) against the current snapshot.
// Disambiguation: longest concrete prefix wins, then most literal
// segments, then first registered. Restricted rules never match here.
func (t *Table) Lookup(method, path string) (*Match, bool) {
	snap := t.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	method = strings.ToUpper(method)
	parts := strings.Split(strings.Trim(path, "/"), "/")

	var best *compiledRule
	var bestParams map[string]string
	bestPrefix, bestLiterals := -1, -1

	for _, cr := range snap.rules {
		if cr.rule.Restricted || cr.rule.Method != method || len(cr.segments) != len(parts) {
			continue
		}
		params, ok := bindSegments(cr.segments, parts)
		if !ok {
			continue
		}
		prefix, literals := score(cr.segments)
		if prefix > bestPrefix ||
			(prefix == bestPrefix && literals > bestLiterals) ||
			(prefix == bestPrefix && literals == bestLiterals && best != nil && cr.order < best.order) {
			best, bestParams, bestPrefix, bestLiterals = cr, params, prefix, literals
		}
	}
	if best == nil {
		return nil, false
	}
	rule := best.rule
	return &Match{Rule: &rule, Params: bestParams}, true
}

func bindSegments(segs []segment, parts []string) (map[string]string, bool) {
	var params map[string]string
	for i, s := range segs {
		if s.param != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[s.param] = parts[i]
			continue
		}
		if s.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// score returns (length of the leading run of literal segments, total
// literal segment count).
func score(segs []segment) (prefix, literals int) {
	counting := true
	for _, s := range segs {
		if s.param != "" {
			counting = false
			continue
		}
		if counting {
			prefix++
		}
		literals++
	}
	return prefix, literals
}

// Get returns a rule by tool_id, including restricted ones (admin
// introspection path).
func (t *Table) Get(toolID string) (*Rule, bool) {
	snap := t.snapshot.Load()
	cr, ok := snap.byToolID[toolID]
	if !ok {
		return nil, false
	}
	rule := cr.rule
	return &rule, true
}

// List returns every rule in registration order.
func (t *Table) List() []Rule {
	snap := t.snapshot.Load()
	out := make([]Rule, 0, len(snap.rules))
	for _, cr := range snap.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Count returns the number of registered rules.
func (t *Table) Count() int {
	return len(t.snapshot.Load().rules)
}

// Add validates, SSRF-checks, probes, and registers a new rule.
func (t *Table) Add(ctx context.Context, r Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.cloneSnapshot()
	if err := t.compileInto(ctx, next, &r, true); err != nil {
		return err
	}
	t.snapshot.Store(next)
	t.logger.Printf("route added: %s %s %s (%s USDC)", r.Method, r.Path, r.ToolID, r.PriceUSDC)
	return nil
}

// Update mutates price and description of an existing rule.
func (t *Table) Update(toolID, priceUSDC, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshot.Load()
	if _, ok := snap.byToolID[toolID]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownTool, toolID)
	}
	next := t.cloneSnapshot()
	cr := next.byToolID[toolID]
	if priceUSDC != "" {
		cr.rule.PriceUSDC = priceUSDC
		if err := cr.rule.Validate(); err != nil {
			return err
		}
	}
	if description != "" {
		cr.rule.Description = description
	}
	t.snapshot.Store(next)
	return nil
}

// Delete removes a rule; returns false when the tool_id is unknown.
func (t *Table) Delete(toolID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshot.Load()
	if _, ok := snap.byToolID[toolID]; !ok {
		return false
	}
	next := &tableSnapshot{byToolID: make(map[string]*compiledRule)}
	for _, cr := range snap.rules {
		if cr.rule.ToolID == toolID {
			continue
		}
		cp := &compiledRule{rule: cr.rule, segments: cr.segments, order: len(next.rules)}
		next.rules = append(next.rules, cp)
		next.byToolID[cp.rule.ToolID] = cp
	}
	t.snapshot.Store(next)
	t.logger.Printf("route deleted: %s", toolID)
	return true
}

// cloneSnapshot deep-copies the current snapshot so mutation never
// touches the structure concurrent readers hold.
func (t *Table) cloneSnapshot() *tableSnapshot {
	snap := t.snapshot.Load()
	next := &tableSnapshot{byToolID: make(map[string]*compiledRule, len(snap.byToolID))}
	for _, cr := range snap.rules {
		cp := &compiledRule{rule: cr.rule, segments: cr.segments, order: cr.order}
		next.rules = append(next.rules, cp)
		next.byToolID[cp.rule.ToolID] = cp
	}
	return next
}
