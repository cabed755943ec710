package policy

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/roles", "/api/roles"},
		{"/api/roles/", "/api/roles"},
		{"/api/roles?page=2", "/api/roles"},
		{"/api/roles/?page=2", "/api/roles"},
		{"/roles", "/api/roles"},
		{"/api/departments//", "/api/departments"},
		{"", "/api/"},
		{"/", "/api/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in), tt.in)
	}
}

func approved() Principal {
	return Principal{UserID: uuid.New(), ApprovalStatus: ApprovalApproved}
}

func TestEngineBuiltins(t *testing.T) {
	e := NewEngine()

	t.Run("admin allows everything", func(t *testing.T) {
		p := Principal{UserID: uuid.New(), IsAdmin: true}
		ok, rule := e.Allowed(p, http.MethodDelete, "/api/students/42")
		assert.True(t, ok)
		assert.Equal(t, "admin", rule)
	})

	t.Run("pending principal reaches onboarding endpoints", func(t *testing.T) {
		p := Principal{UserID: uuid.New(), ApprovalStatus: ApprovalPending}
		ok, rule := e.Allowed(p, http.MethodGet, "/api/roles/")
		assert.True(t, ok)
		assert.Equal(t, "profile-completion", rule)

		ok, _ = e.Allowed(p, http.MethodPut, "/api/profile/avatar")
		assert.True(t, ok, "prefix match covers sub-paths")
	})

	t.Run("created principal matches like pending", func(t *testing.T) {
		p := Principal{UserID: uuid.New(), ApprovalStatus: ApprovalCreated}
		ok, rule := e.Allowed(p, http.MethodPost, "/api/profile")
		assert.True(t, ok)
		assert.Equal(t, "profile-completion", rule)
	})

	t.Run("pending principal denied elsewhere", func(t *testing.T) {
		p := Principal{UserID: uuid.New(), ApprovalStatus: ApprovalPending}
		ok, _ := e.Allowed(p, http.MethodGet, "/api/students")
		assert.False(t, ok)
	})

	t.Run("approved reads reference data", func(t *testing.T) {
		ok, rule := e.Allowed(approved(), http.MethodGet, "/api/rooms?floor=2")
		assert.True(t, ok)
		assert.Equal(t, "public-reference", rule)
	})

	t.Run("approved cannot write reference data", func(t *testing.T) {
		ok, _ := e.Allowed(approved(), http.MethodPost, "/api/rooms")
		assert.False(t, ok)
	})

	t.Run("self access is exact match only", func(t *testing.T) {
		ok, rule := e.Allowed(approved(), http.MethodPut, "/api/profile")
		assert.True(t, ok)
		assert.Equal(t, "self-access", rule)

		ok, _ = e.Allowed(approved(), http.MethodPut, "/api/me/settings")
		assert.False(t, ok, "sub-path of exact-only endpoint")
	})

	t.Run("no match denies", func(t *testing.T) {
		ok, rule := e.Allowed(approved(), http.MethodDelete, "/api/students/1")
		assert.False(t, ok)
		assert.Empty(t, rule)
	})
}

func TestEngineOrdering(t *testing.T) {
	t.Run("higher priority wins", func(t *testing.T) {
		e := NewEngine()
		e.Append(Rule{
			Name:     "deny-probe",
			Priority: 200,
			Check: func(_ Principal, r Request) bool {
				// A high-priority allow shadows anything below it.
				return r.Path == "/api/roles"
			},
		})
		p := Principal{ApprovalStatus: ApprovalPending}
		_, rule := e.Allowed(p, http.MethodGet, "/api/roles")
		assert.Equal(t, "deny-probe", rule)
	})

	t.Run("declaration order breaks priority ties", func(t *testing.T) {
		e := &Engine{}
		e.Append(Rule{Name: "first", Priority: 10, Check: func(Principal, Request) bool { return true }})
		e.Append(Rule{Name: "second", Priority: 10, Check: func(Principal, Request) bool { return true }})

		_, rule := e.Allowed(Principal{}, http.MethodGet, "/api/anything")
		assert.Equal(t, "first", rule)
	})

	t.Run("appending never reorders existing ties", func(t *testing.T) {
		e := NewEngine()
		// public-reference declared before self-access at priority 40.
		ok, rule := e.Allowed(approved(), http.MethodGet, "/api/roles")
		assert.True(t, ok)
		assert.Equal(t, "public-reference", rule)
	})
}
