package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"estatecrm/api/internal/auth"
	"estatecrm/api/internal/authpw"
	"estatecrm/api/internal/calendar"
	"estatecrm/api/internal/config"
	"estatecrm/api/internal/conflicts"
	"estatecrm/api/internal/email"
	"estatecrm/api/internal/evaluate"
	"estatecrm/api/internal/rbac"
	"estatecrm/api/internal/search"
	"estatecrm/api/internal/sheets"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/whatsapp"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)

	ListDataSources(context.Context) ([]store.DataSource, error)
	GetDataSource(context.Context, string) (store.DataSource, error)
	CreateDataSource(context.Context, store.DataSource) error
	UpdateDataSource(context.Context, store.DataSource) error
	DeleteDataSource(context.Context, string) error
	SetDataSourceStatus(context.Context, string, string, string, bool) error

	InsertSyncLog(context.Context, store.SyncLog) (int64, error)
	FinishSyncLog(context.Context, store.SyncLog) error
	ListSyncLogs(context.Context, string, int) ([]store.SyncLog, error)

	SaveConflicts(context.Context, string, []store.SyncConflict) error
	ListOpenConflicts(context.Context, string) ([]store.SyncConflict, error)
	GetConflict(context.Context, string) (store.SyncConflict, error)
	MarkConflictResolved(context.Context, string, string, string) error
	CountOpenConflicts(context.Context, string) (int, error)

	ListRecords(context.Context, string, int, int) ([]store.Record, error)
	ListSyncedRecords(ctx context.Context, table, dataSourceID string) ([]store.Record, error)
	GetRecord(context.Context, string, string) (store.Record, error)
	FindRecords(context.Context, string, string, any) ([]store.Record, error)
	InsertRecord(context.Context, string, store.Record) (string, error)
	UpdateRecord(context.Context, string, string, store.Record) error
	DeleteRecord(context.Context, string, string) error

	GetCampaign(context.Context, string) (store.Campaign, error)
	SetCampaignStatus(context.Context, string, string) error
	ListPendingCampaignLeads(context.Context, string) ([]store.CampaignLead, error)
	MarkCampaignLead(context.Context, string, string, string) error
	InsertMessage(context.Context, store.Message) error
	UpdateMessageStatus(context.Context, string, string) error

	GetCall(context.Context, string) (store.Call, error)
	SaveCallEvaluation(context.Context, string, map[string]any) error
	GetTask(context.Context, string) (store.Task, error)
	SetTaskCalendarEvent(context.Context, string, string) error
}

// SheetReader reads worksheets. *sheets.Registry implements it.
type SheetReader interface {
	Read(ctx context.Context, cfg sheets.Config) (sheets.Table, error)
	TestConnection(ctx context.Context, cfg sheets.Config) (sheets.Probe, error)
}

// ConflictCache holds pending conflicts and pull locks. *conflicts.RedisStore implements it.
type ConflictCache interface {
	SavePending(ctx context.Context, dataSourceID string, entries []conflicts.Entry, ttl time.Duration) error
	Pending(ctx context.Context, dataSourceID string) ([]conflicts.Entry, error)
	RemovePending(ctx context.Context, dataSourceID, rowID string) (int, error)
	ClearPending(ctx context.Context, dataSourceID string) error
	AcquirePullLock(ctx context.Context, dataSourceID string, ttl time.Duration) (func(), error)
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexRecords(table string, records []map[string]any)
	Delete(table, id string)
}

type ObjectWriter interface {
	Put(ctx context.Context, key string, data []byte) error
}

type Messenger interface {
	Send(ctx context.Context, msg whatsapp.Outbound) (string, error)
	Verify(mode, token, challenge string) (string, bool)
}

type CallEvaluator interface {
	Evaluate(ctx context.Context, call evaluate.CallContext) (evaluate.Evaluation, error)
}

type EventCreator interface {
	CreateEvent(ctx context.Context, event calendar.Event) (string, error)
}

// Integrations are the optional collaborators of the service. Nil fields disable the feature.
type Integrations struct {
	Sheets    SheetReader
	Conflicts ConflictCache
	Search    SearchIndex
	Objects   ObjectWriter
	Email     email.Sender
	WhatsApp  Messenger
	Evaluator CallEvaluator
	Calendar  EventCreator
}

type Service struct {
	cfg    config.Config
	store  dataStore
	auth   *authpw.Service
	logger *zap.Logger

	sheets    SheetReader
	conflicts ConflictCache
	search    SearchIndex
	objects   ObjectWriter
	email     email.Sender
	whatsapp  Messenger
	evaluator CallEvaluator
	calendar  EventCreator

	// pull locks used when no conflict cache is configured
	lockMu     sync.Mutex
	localLocks map[string]struct{}
	sleep      func(context.Context, time.Duration) error
}

func New(cfg config.Config, dataStore *store.PostgresStore, integrations Integrations, logger *zap.Logger) *Service {
	svc := newService(cfg, dataStore, integrations, logger)
	svc.auth = authpw.NewService(dataStore)
	return svc
}

func newService(cfg config.Config, dataStore dataStore, integrations Integrations, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		logger:     logger,
		sheets:     integrations.Sheets,
		conflicts:  integrations.Conflicts,
		search:     integrations.Search,
		objects:    integrations.Objects,
		email:      integrations.Email,
		whatsapp:   integrations.WhatsApp,
		evaluator:  integrations.Evaluator,
		calendar:   integrations.Calendar,
		localLocks: make(map[string]struct{}),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SignIn checks an agent's password and issues an access token.
func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	if s.auth == nil {
		return Session{}, unavailable("AUTH_UNAVAILABLE", "Authentication service not configured")
	}
	user, err := s.auth.SignIn(ctx, emailAddr, password)
	if err != nil {
		var validation *authpw.ValidationError
		if errors.As(err, &validation) {
			return Session{}, invalid(validation.Message, nil)
		}
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	name := strings.TrimSpace(user.DisplayName)
	if name == "" {
		name = user.Email
	}
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, name, user.Role, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  name,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken validates the bearer token and reloads the user so role changes apply at once.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: claims.Name,
		Role:     user.Role,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
