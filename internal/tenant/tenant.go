// Package tenant resolves a tenant's share token or opaque id to its
// vector collection name, and provides the admin-facing CRUD the core
// orchestrator never calls directly (spec.md §3's Tenant type: "the core
// only reads the mapping share_token | id → collection"). Grounded on the
// teacher's internal/tenant (Organization/User/JWT auth), extended: the
// teacher's Organization stays as the admin account, a separate Tenant
// record is added per knowledge base, and the User/JWT login flow now
// protects the admin ingest/curated-QA hooks
// spec.md §6 describes as out-of-core collaborators.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/pixell07/multi-tenant-ai/internal/auth"
)

// ErrNotFound is returned when a tenant lookup by id or share token
// matches nothing, spec.md §7's InvalidTenant error kind.
var ErrNotFound = errors.New("tenant: not found")

// Tenant is one isolated knowledge base: a stable opaque id, an alternate
// share token, and the vector collection it owns.
type Tenant struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	Name           string    `json:"name"`
	ShareToken     string    `json:"share_token"`
	Collection     string    `json:"collection"`
	ProjectName    string    `json:"project_name"`
	AvatarURL      string    `json:"avatar_url"`
	WelcomeMessage string    `json:"welcome_message"`
	CreatedAt      time.Time `json:"created_at"`
}

// Resolver is the interface the orchestrator depends on: given a share
// token or tenant id, return the owning tenant. The core never sees the
// admin CRUD surface below.
type Resolver interface {
	Resolve(ctx context.Context, shareTokenOrID string) (*Tenant, error)
}

// Organization is the admin-facing account that owns zero or more
// tenants (knowledge bases).
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User authenticates against the admin API to manage an organization's
// tenants, documents, and curated QAs.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository persists organizations, users, and tenants.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateOrg(ctx context.Context, name string) (*Organization, error) {
	org := &Organization{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	_, err := r.db.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt,
	)
	return org, err
}

func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, org_id, email, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.OrgID, u.Email, u.PasswordHash, u.Role, u.CreatedAt,
	)
	return err
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := r.db.QueryRow(ctx,
		`SELECT id, org_id, email, password_hash, role, created_at
		 FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.OrgID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateTenant provisions a new knowledge base: a fresh collection name
// derived from the tenant id (so it always satisfies
// vectorstore.ValidateBaseName) and a fresh share token.
func (r *Repository) CreateTenant(ctx context.Context, orgID, name string) (*Tenant, error) {
	t := &Tenant{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		Name:       name,
		ShareToken: uuid.NewString(),
		CreatedAt:  time.Now(),
	}
	t.Collection = "kb_" + stripHyphens(t.ID)

	_, err := r.db.Exec(ctx,
		`INSERT INTO tenants (id, org_id, name, share_token, collection, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.OrgID, t.Name, t.ShareToken, t.Collection, t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Resolve implements Resolver: shareTokenOrID matches either the primary
// key or the share_token column.
func (r *Repository) Resolve(ctx context.Context, shareTokenOrID string) (*Tenant, error) {
	t := &Tenant{}
	err := r.db.QueryRow(ctx,
		`SELECT id, org_id, name, share_token, collection, project_name, avatar_url, welcome_message, created_at
		 FROM tenants WHERE id = $1 OR share_token = $1`,
		shareTokenOrID,
	).Scan(&t.ID, &t.OrgID, &t.Name, &t.ShareToken, &t.Collection, &t.ProjectName, &t.AvatarURL, &t.WelcomeMessage, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) ListByOrg(ctx context.Context, orgID string) ([]*Tenant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, org_id, name, share_token, collection, project_name, avatar_url, welcome_message, created_at
		 FROM tenants WHERE org_id = $1 ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &t.ShareToken, &t.Collection, &t.ProjectName, &t.AvatarURL, &t.WelcomeMessage, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpdateChatConfig sets the branding fields the chat config endpoint
// (spec.md §6) serves: project name, avatar URL, and welcome message.
func (r *Repository) UpdateChatConfig(ctx context.Context, id, orgID, projectName, avatarURL, welcomeMessage string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tenants SET project_name = $1, avatar_url = $2, welcome_message = $3
		 WHERE id = $4 AND org_id = $5`,
		projectName, avatarURL, welcomeMessage, id, orgID,
	)
	return err
}

// DeleteTenant removes the tenant row. Callers are responsible for
// clearing its vector collections first (internal/api's admin handler
// does so via vectorstore.Store.DeleteByIDPrefix on all three derived
// collections before calling this).
func (r *Repository) DeleteTenant(ctx context.Context, id, orgID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM tenants WHERE id = $1 AND org_id = $2`, id, orgID)
	return err
}

func stripHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Service is the admin-facing authentication and tenant-management
// surface behind internal/api's admin routes.
type Service struct {
	repo *Repository
	jwt  *auth.JWTManager
}

func NewService(repo *Repository, jwt *auth.JWTManager) *Service {
	return &Service{repo: repo, jwt: jwt}
}

type RegisterRequest struct {
	OrgName  string `json:"org_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string        `json:"token"`
	User  *User         `json:"user"`
	Org   *Organization `json:"org"`
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	if req.Email == "" || req.Password == "" || req.OrgName == "" {
		return nil, errors.New("all fields required")
	}

	org, err := s.repo.CreateOrg(ctx, req.OrgName)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		OrgID:        org.ID,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	token, err := s.jwt.Generate(org.ID, user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{Token: token, User: user, Org: org}, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	user, err := s.repo.FindUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, errors.New("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	token, err := s.jwt.Generate(user.OrgID, user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{Token: token, User: user}, nil
}

// CreateKnowledgeBase provisions a new tenant for an authenticated org.
func (s *Service) CreateKnowledgeBase(ctx context.Context, orgID, name string) (*Tenant, error) {
	return s.repo.CreateTenant(ctx, orgID, name)
}

func (s *Service) ListKnowledgeBases(ctx context.Context, orgID string) ([]*Tenant, error) {
	return s.repo.ListByOrg(ctx, orgID)
}

func (s *Service) DeleteKnowledgeBase(ctx context.Context, id, orgID string) error {
	return s.repo.DeleteTenant(ctx, id, orgID)
}

func (s *Service) UpdateChatConfig(ctx context.Context, id, orgID, projectName, avatarURL, welcomeMessage string) error {
	return s.repo.UpdateChatConfig(ctx, id, orgID, projectName, avatarURL, welcomeMessage)
}
