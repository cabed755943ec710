package policy

import (
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ApprovalStatus is the onboarding state of a principal.
type ApprovalStatus string

const (
	ApprovalCreated  ApprovalStatus = "CREATED"
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
)

// Principal is the caller identity the policy table evaluates.
type Principal struct {
	UserID         uuid.UUID
	ApprovalStatus ApprovalStatus
	IsAdmin        bool
}

// Request is the normalized request under evaluation.
type Request struct {
	Method string
	Path   string
}

// Rule is one row of the policy table.
type Rule struct {
	Name        string
	Priority    int
	Description string
	Check       func(p Principal, r Request) bool
}

// Engine evaluates a fixed, priority-ordered policy table. Rules are
// tried in descending priority, declaration order breaking ties; the
// first matching rule allows and no match denies.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over the built-in table.
func NewEngine() *Engine {
	e := &Engine{}
	for _, r := range builtinRules() {
		e.Append(r)
	}
	return e
}

// Append adds a rule to the table, keeping evaluation order. Existing
// rules are never modified; extension is append-only.
func (e *Engine) Append(rule Rule) {
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
}

// Allowed evaluates the table for the principal and request. The path
// is normalized before any rule sees it.
func (e *Engine) Allowed(p Principal, method, path string) (bool, string) {
	req := Request{Method: strings.ToUpper(method), Path: NormalizePath(path)}
	for _, rule := range e.rules {
		if rule.Check(p, req) {
			return true, rule.Name
		}
	}
	return false, ""
}

// Rules returns a copy of the table for introspection.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// NormalizePath strips the query string and any trailing slash and
// enforces the "/api" prefix.
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/api") {
		path = "/api" + path
	}
	return path
}

// profileCompletionEndpoints are the onboarding surfaces a not-yet
// approved account needs to finish registration.
var profileCompletionEndpoints = []string{
	"/api/profile",
	"/api/departments",
	"/api/roles",
}

// publicReferenceEndpoints are read-only lookup tables any approved
// account may browse.
var publicReferenceEndpoints = []string{
	"/api/departments",
	"/api/rooms",
	"/api/roles",
}

// selfAccessEndpoints expose only the caller's own records.
var selfAccessEndpoints = []string{
	"/api/profile",
	"/api/me",
	"/api/me/notifications",
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "admin",
			Priority:    100,
			Description: "administrators may do anything",
			Check: func(p Principal, _ Request) bool {
				return p.IsAdmin
			},
		},
		{
			Name:        "profile-completion",
			Priority:    50,
			Description: "accounts mid-onboarding may reach registration endpoints",
			Check: func(p Principal, r Request) bool {
				if p.ApprovalStatus != ApprovalCreated && p.ApprovalStatus != ApprovalPending {
					return false
				}
				return matchExactOrPrefix(r.Path, profileCompletionEndpoints)
			},
		},
		{
			Name:        "public-reference",
			Priority:    40,
			Description: "approved accounts may read shared reference data",
			Check: func(p Principal, r Request) bool {
				if p.ApprovalStatus != ApprovalApproved || r.Method != http.MethodGet {
					return false
				}
				return matchExactOrPrefix(r.Path, publicReferenceEndpoints)
			},
		},
		{
			Name:        "self-access",
			Priority:    40,
			Description: "approved accounts may manage their own data",
			Check: func(p Principal, r Request) bool {
				if p.ApprovalStatus != ApprovalApproved {
					return false
				}
				return matchExact(r.Path, selfAccessEndpoints)
			},
		},
	}
}

func matchExactOrPrefix(path string, endpoints []string) bool {
	for _, ep := range endpoints {
		if path == ep || strings.HasPrefix(path, ep+"/") {
			return true
		}
	}
	return false
}

func matchExact(path string, endpoints []string) bool {
	for _, ep := range endpoints {
		if path == ep {
			return true
		}
	}
	return false
}
