package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"
)

func seedUser(t *testing.T, repo AdminUserRepository, username, password string, role Role, enabled bool) *AdminUser {
	t.Helper()

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	user := &AdminUser{
		ID:           "id-" + username,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Enabled:      enabled,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("Create(%s) error = %v", username, err)
	}
	return user
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role Role
		want []Permission
	}{
		{RoleSuperAdmin, []Permission{
			PermissionImpersonationCheck,
			PermissionSessionWrite,
			PermissionViolationsRead,
			PermissionAdminManage,
		}},
		{RoleOperator, []Permission{
			PermissionImpersonationCheck,
			PermissionSessionWrite,
			PermissionViolationsRead,
		}},
		{RoleAuditor, []Permission{
			PermissionViolationsRead,
		}},
		{Role("intern"), nil},
	}

	all := []Permission{
		PermissionImpersonationCheck,
		PermissionSessionWrite,
		PermissionViolationsRead,
		PermissionAdminManage,
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			var granted []Permission
			for _, p := range all {
				if HasPermission(tt.role, p) {
					granted = append(granted, p)
				}
			}
			sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
			want := append([]Permission(nil), tt.want...)
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

			if len(granted) != len(want) {
				t.Fatalf("granted = %v, want %v", granted, want)
			}
			for i := range want {
				if granted[i] != want[i] {
					t.Fatalf("granted = %v, want %v", granted, want)
				}
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	repo := NewInMemoryAdminUserRepository()
	seedUser(t, repo, "oncall", "rotate-me", RoleOperator, true)
	seedUser(t, repo, "former-employee", "locked", RoleOperator, false)
	auth := NewAuthenticator(repo)

	tests := []struct {
		name     string
		username string
		password string
		wantRole Role
		wantErr  error
	}{
		{"seeded operator", "oncall", "rotate-me", RoleOperator, nil},
		{"default superadmin", "admin", "admin", RoleSuperAdmin, nil},
		{"wrong password", "oncall", "guess", "", ErrInvalidPassword},
		{"unknown user", "nobody", "x", "", ErrUserNotFound},
		{"disabled account", "former-employee", "locked", "", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := auth.Authenticate(context.Background(), tt.username, tt.password)
			if err != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && user.Role != tt.wantRole {
				t.Errorf("user.Role = %v, want %v", user.Role, tt.wantRole)
			}
		})
	}
}

func TestHashPassword_SaltedPerCall(t *testing.T) {
	h1, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	h2, _ := HashPassword("s3cret")

	if h1 == "s3cret" {
		t.Error("hash equals the plaintext password")
	}
	if h1 == h2 {
		t.Error("two hashes of the same password are equal, want distinct salts")
	}
}

// The admin surface is wired as RequireAuth(RequirePermission(admin:manage)),
// so a valid operator login still cannot reach it.
func TestAdminSurfaceGating(t *testing.T) {
	repo := NewInMemoryAdminUserRepository()
	seedUser(t, repo, "oncall", "rotate-me", RoleOperator, true)
	seedUser(t, repo, "compliance", "review-only", RoleAuditor, true)
	mw := NewRBACMiddleware(NewAuthenticator(repo))

	terminate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := mw.RequireAuth(mw.RequirePermission(PermissionAdminManage)(terminate))

	tests := []struct {
		name       string
		username   string
		password   string
		wantStatus int
	}{
		{"superadmin terminates", "admin", "admin", http.StatusOK},
		{"operator forbidden", "oncall", "rotate-me", http.StatusForbidden},
		{"auditor forbidden", "compliance", "review-only", http.StatusForbidden},
		{"bad password", "oncall", "guess", http.StatusUnauthorized},
		{"no credentials", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin/sessions/s1/terminate", nil)
			if tt.username != "" {
				req.SetBasicAuth(tt.username, tt.password)
			}

			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireAuth_PutsUserInContext(t *testing.T) {
	repo := NewInMemoryAdminUserRepository()
	mw := NewRBACMiddleware(NewAuthenticator(repo))

	var seen *AdminUser
	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/admin/limits", nil)
	req.SetBasicAuth("admin", "admin")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen == nil || seen.Username != "admin" {
		t.Fatalf("context user = %+v, want the authenticated admin", seen)
	}
}

func TestRequirePermission_WithoutAuthenticatedUser(t *testing.T) {
	mw := &RBACMiddleware{}
	handler := mw.RequirePermission(PermissionViolationsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/limits", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestInMemoryAdminUserRepository_Lifecycle(t *testing.T) {
	repo := NewInMemoryAdminUserRepository()
	ctx := context.Background()

	// The repository seeds a bootstrap superadmin for first login.
	boot, err := repo.GetByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetByUsername(admin) error = %v", err)
	}
	if boot.Role != RoleSuperAdmin || !boot.Enabled {
		t.Fatalf("bootstrap user = %+v, want enabled superadmin", boot)
	}

	user := seedUser(t, repo, "oncall", "rotate-me", RoleOperator, true)

	got, err := repo.GetByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Username != "oncall" {
		t.Errorf("GetByID().Username = %q, want oncall", got.Username)
	}

	// Demote the operator to read-only.
	user.Role = RoleAuditor
	if err := repo.Update(ctx, user); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = repo.GetByID(ctx, user.ID)
	if got.Role != RoleAuditor {
		t.Errorf("role after update = %v, want %v", got.Role, RoleAuditor)
	}

	users, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(users) != 2 {
		t.Errorf("List() count = %d, want 2", len(users))
	}

	if err := repo.Delete(ctx, user.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, user.ID); err != ErrUserNotFound {
		t.Errorf("GetByID after delete error = %v, want ErrUserNotFound", err)
	}
	if err := repo.Delete(ctx, user.ID); err != ErrUserNotFound {
		t.Errorf("second Delete error = %v, want ErrUserNotFound", err)
	}
	if err := repo.Update(ctx, &AdminUser{ID: "ghost"}); err != ErrUserNotFound {
		t.Errorf("Update unknown error = %v, want ErrUserNotFound", err)
	}
}

func TestBearerTokens(t *testing.T) {
	t1 := GenerateAPIToken("oncall")
	t2 := GenerateAPIToken("oncall")
	if len(t1) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(t1))
	}
	if t1 == t2 {
		t.Error("consecutive tokens are equal, want unique per issue")
	}

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer " + t1, t1},
		{"missing prefix", t1, ""},
		{"basic auth header", "Basic b25jYWxsOnJvdGF0ZS1tZQ==", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := ExtractBearerToken(req); got != tt.want {
				t.Errorf("ExtractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
