package app

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"eldersign/api/internal/auth"
	"eldersign/api/internal/config"
	"eldersign/api/internal/engine"
	"eldersign/api/internal/identity"
	"eldersign/api/internal/media"
	"eldersign/api/internal/roster"
	"eldersign/api/internal/search"
	"eldersign/api/internal/snapshot"
	"eldersign/api/internal/store"
	"eldersign/api/internal/util"
)

// Session is an authenticated (or anonymous) client session derived
// from an access token.
type Session struct {
	Token        string
	RefreshToken string
	UID          string
	Email        string
	Anonymous    bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	LinkUserEmail(context.Context, string, string, string) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(context.Context) error
}

// clientRecord holds one client's live sync engine. Records expire
// after a TTL of inactivity and are flushed on eviction.
type clientRecord struct {
	expiresAt  time.Time
	provider   *identity.Provider
	controller *engine.Controller
	status     *statusBuffer
}

type Service struct {
	cfg       config.Config
	store     dataStore
	cache     engine.LocalCache
	remote    engine.RemoteStore
	search    *search.Service
	snapshots *snapshot.Service
	media     *media.Service

	clientTTL time.Duration
	clientMu  sync.Mutex
	clients   map[string]*clientRecord
}

// New creates the application service. search, snapshots, and media may
// be nil when the corresponding backends are not configured.
func New(cfg config.Config, pg *store.PostgresStore, localCache engine.LocalCache, searchSvc *search.Service, snapshotSvc *snapshot.Service, mediaSvc *media.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     pg,
		cache:     localCache,
		remote:    engine.NewRemoteDocuments(pg, cfg.Env),
		search:    searchSvc,
		snapshots: snapshotSvc,
		media:     mediaSvc,
		clientTTL: cfg.SessionTTL,
		clients:   make(map[string]*clientRecord),
	}
}

// Ping checks the health of service dependencies.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown flushes every live client engine.
func (s *Service) Shutdown(ctx context.Context) {
	s.clientMu.Lock()
	records := make([]*clientRecord, 0, len(s.clients))
	for _, record := range s.clients {
		records = append(records, record)
	}
	s.clients = make(map[string]*clientRecord)
	s.clientMu.Unlock()

	for _, record := range records {
		record.controller.Shutdown(ctx)
	}
}

// StartSession establishes a client session. With a valid access token
// the stored identity is restored and bootstrapped; without one an
// anonymous identity is created after the settle delay and fresh
// tokens are issued for it.
func (s *Service) StartSession(ctx context.Context, token string) (map[string]any, error) {
	if token != "" {
		session, err := s.SessionFromToken(ctx, token)
		if err == nil {
			record, err := s.clientFor(ctx, session)
			if err != nil {
				return nil, err
			}
			return s.rosterPayload(record, map[string]any{
				"uid":       session.UID,
				"email":     emptyToNil(session.Email),
				"anonymous": session.Anonymous,
			}), nil
		}
		// An invalid or expired token degrades to an anonymous start.
	}

	record := s.newClient()
	record.controller.Start()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := record.controller.WaitReady(waitCtx); err != nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Could not establish a session", nil)
	}

	user := record.controller.CurrentIdentity()
	if user == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Could not establish a session", nil)
	}
	s.registerClient(user.UID, record)

	session, err := s.issueSession(ctx, *user)
	if err != nil {
		return nil, err
	}
	return s.rosterPayload(record, sessionFields(session)), nil
}

// SessionFromToken validates an access token and resolves its user.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UID:       user.ID,
		Email:     user.Email,
		Anonymous: user.Anonymous,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh rotates a refresh token into a fresh session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, identity.User{UID: user.ID, Email: user.Email, Anonymous: user.Anonymous})
}

// SignIn authenticates the client's email credentials. While the client
// is anonymous the credentials are linked to keep its uid (falling back
// to a direct sign-in when the email is taken), and locally held data
// migrates to the account.
func (s *Service) SignIn(ctx context.Context, session Session, email, password string) (map[string]any, error) {
	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := record.controller.SignInEmail(ctx, email, password); err != nil {
		return nil, err
	}
	return s.finishAuthChange(ctx, session, record)
}

// SignUp registers email credentials for the client.
func (s *Service) SignUp(ctx context.Context, session Session, email, password string) (map[string]any, error) {
	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := record.controller.SignUpEmail(ctx, email, password); err != nil {
		return nil, err
	}
	return s.finishAuthChange(ctx, session, record)
}

// SignOut ends the session. Anonymous sessions are refused: signing one
// out would orphan its roster.
func (s *Service) SignOut(ctx context.Context, session Session, refreshToken string) (map[string]any, error) {
	if session.Anonymous {
		return map[string]any{
			"ok":      false,
			"message": "anonymous session cannot sign out",
		}, nil
	}

	// Flush and drop the live engine; the next token-less session
	// start establishes a fresh anonymous identity.
	if record, ok := s.lookupClient(session.UID); ok {
		record.controller.Shutdown(ctx)
		s.dropClient(session.UID)
	}
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) finishAuthChange(ctx context.Context, old Session, record *clientRecord) (map[string]any, error) {
	user := record.controller.CurrentIdentity()
	if user == nil {
		return nil, domainError(http.StatusInternalServerError, "AUTH_FAILED", "No identity after auth change", nil)
	}
	if user.UID != old.UID {
		s.dropClient(old.UID)
	}
	s.registerClient(user.UID, record)

	session, err := s.issueSession(ctx, *user)
	if err != nil {
		return nil, err
	}
	if old.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, old.JTI, old.ExpiresAt)
	}
	return s.rosterPayload(record, sessionFields(session)), nil
}

func (s *Service) issueSession(ctx context.Context, user identity.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.UID,
		Email: user.Email,
		Anon:  user.Anonymous,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.UID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UID:          user.UID,
		Email:        user.Email,
		Anonymous:    user.Anonymous,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Roster reads the client's current roster.
func (s *Service) Roster(ctx context.Context, session Session) (map[string]any, error) {
	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.rosterPayload(record, nil), nil
}

// SetField writes one entry field.
func (s *Service) SetField(ctx context.Context, session Session, partyID, slot int, field string, skillIndex int, value string) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		f := engine.Field(field)
		switch f {
		case engine.FieldName, engine.FieldImageURL, engine.FieldSkill:
		default:
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field must be name, imageUrl, or skill", nil)
		}
		es.SetField(ctx, partyID, slot, f, skillIndex, value)
		return nil
	})
}

// SetPartyName stores a party display name.
func (s *Service) SetPartyName(ctx context.Context, session Session, partyID int, name string) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.SetPartyName(ctx, partyID, name)
		return nil
	})
}

// SetActiveParty switches the active party.
func (s *Service) SetActiveParty(ctx context.Context, session Session, partyID int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.SetActiveParty(ctx, partyID)
		return nil
	})
}

// AddSlot appends a default entry to a party.
func (s *Service) AddSlot(ctx context.Context, session Session, partyID int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.AddSlot(ctx, partyID)
		return nil
	})
}

// DuplicateSlot copies an entry in place.
func (s *Service) DuplicateSlot(ctx context.Context, session Session, partyID, index int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.DuplicateSlot(ctx, partyID, index)
		return nil
	})
}

// ClearSlot removes an entry, retaining it for a one-shot undo.
func (s *Service) ClearSlot(ctx context.Context, session Session, partyID, index int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.ClearSlot(ctx, partyID, index)
		return nil
	})
}

// Undo restores the most recently cleared entry if the window is open.
func (s *Service) Undo(ctx context.Context, session Session) (map[string]any, error) {
	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	es := record.controller.Session()
	if es == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Roster not loaded yet", nil)
	}
	restored := es.Undo(ctx)
	payload := s.rosterPayload(record, nil)
	payload["restored"] = restored
	return payload, nil
}

// SwapSlots exchanges two entries within a party.
func (s *Service) SwapSlots(ctx context.Context, session Session, partyID, a, b int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.SwapSlots(ctx, partyID, a, b)
		return nil
	})
}

// MoveSlot moves an entry between parties.
func (s *Service) MoveSlot(ctx context.Context, session Session, fromParty, fromIndex, toParty, toIndex int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.MoveSlot(ctx, fromParty, fromIndex, toParty, toIndex)
		return nil
	})
}

// SwapSkills exchanges two skill positions on one entry.
func (s *Service) SwapSkills(ctx context.Context, session Session, partyID, slot, a, b int) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.SwapSkills(ctx, partyID, slot, a, b)
		return nil
	})
}

// AddParty appends a new party.
func (s *Service) AddParty(ctx context.Context, session Session) (map[string]any, error) {
	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	es := record.controller.Session()
	if es == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Roster not loaded yet", nil)
	}
	id := es.AddParty(ctx)
	payload := s.rosterPayload(record, nil)
	payload["partyId"] = id
	return payload, nil
}

// DeleteParty removes a party. The confirmed flag is the explicit user
// confirmation the destructive operation requires.
func (s *Service) DeleteParty(ctx context.Context, session Session, partyID int, confirmed bool) (map[string]any, error) {
	if !confirmed {
		return nil, domainError(http.StatusConflict, "CONFIRM_REQUIRED", "Deleting a party requires confirmation", nil)
	}
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.DeleteParty(ctx, partyID)
		return nil
	})
}

// ImportEntry applies a share-link payload to the roster.
func (s *Service) ImportEntry(ctx context.Context, session Session, params url.Values) (map[string]any, error) {
	incoming := roster.ParseIncoming(params)
	if incoming == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "payload carries no name, image, or skill", nil)
	}

	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	es := record.controller.Session()
	if es == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Roster not loaded yet", nil)
	}
	partyID, slot, applied := es.ApplyIncoming(ctx, incoming)
	payload := s.rosterPayload(record, nil)
	payload["applied"] = applied
	payload["partyId"] = partyID
	payload["slot"] = slot
	return payload, nil
}

// Flush pushes the roster to the remote document immediately.
func (s *Service) Flush(ctx context.Context, session Session) (map[string]any, error) {
	return s.withSession(ctx, session, func(es *engine.Session) error {
		es.FlushNow(ctx)
		return nil
	})
}

// Search queries the client's indexed roster entries.
func (s *Service) Search(ctx context.Context, session Session, text string, party, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	response := s.search.Search(search.Query{
		UID:         session.UID,
		Text:        text,
		FilterParty: party,
		Limit:       limit,
		Offset:      offset,
	})
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}

// History lists recorded roster snapshots, newest first.
func (s *Service) History(ctx context.Context, session Session, limit int) (map[string]any, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Snapshot history is not configured", nil)
	}
	items, err := s.snapshots.History(session.UID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"snapshots": items}, nil
}

// SnapshotByHash loads the roster as it was at a recorded snapshot.
func (s *Service) SnapshotByHash(ctx context.Context, session Session, hash string) (map[string]any, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Snapshot history is not configured", nil)
	}
	st, err := s.snapshots.GetByHash(session.UID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil)
	}
	return map[string]any{"roster": st}, nil
}

// MirrorImage copies an external entry image into object storage and
// returns a presigned link to the mirrored copy.
func (s *Service) MirrorImage(ctx context.Context, session Session, rawURL string) (map[string]any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Image mirroring is not configured", nil)
	}
	key, err := s.media.Mirror(ctx, session.UID, rawURL)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "MIRROR_FAILED", err.Error(), nil)
	}
	link, err := s.media.PresignedURL(ctx, key)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "MIRROR_FAILED", err.Error(), nil)
	}
	return map[string]any{"key": key, "url": link}, nil
}

// withSession runs one edit against the client's engine session and
// returns the updated roster.
func (s *Service) withSession(ctx context.Context, session Session, edit func(*engine.Session) error) (map[string]any, error) {
	record, err := s.clientFor(ctx, session)
	if err != nil {
		return nil, err
	}
	es := record.controller.Session()
	if es == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Roster not loaded yet", nil)
	}
	if err := edit(es); err != nil {
		return nil, err
	}
	return s.rosterPayload(record, nil), nil
}

func (s *Service) rosterPayload(record *clientRecord, extra map[string]any) map[string]any {
	payload := map[string]any{
		"status": record.status.Messages(),
	}
	if es := record.controller.Session(); es != nil {
		payload["roster"] = es.Store()
	}
	for key, value := range extra {
		payload[key] = value
	}
	return payload
}

func sessionFields(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"uid":          session.UID,
		"email":        emptyToNil(session.Email),
		"anonymous":    session.Anonymous,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// clientFor returns the live engine for a session, creating and
// bootstrapping one when the record was evicted or never existed.
func (s *Service) clientFor(ctx context.Context, session Session) (*clientRecord, error) {
	if record, ok := s.lookupClient(session.UID); ok {
		return record, nil
	}

	record := s.newClient()
	record.provider.Restore(identity.User{
		UID:       session.UID,
		Email:     session.Email,
		Anonymous: session.Anonymous,
	})
	record.controller.Start()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := record.controller.WaitReady(waitCtx); err != nil {
		return nil, domainError(http.StatusServiceUnavailable, "SESSION_NOT_READY", "Could not load roster", nil)
	}
	s.registerClient(session.UID, record)
	return record, nil
}

func (s *Service) newClient() *clientRecord {
	status := newStatusBuffer()
	provider := identity.NewProvider(s.store)
	loader := engine.NewLoader(s.cache, s.remote, status.Push)
	scheduler := engine.NewScheduler(s.cache, s.remote, s.cfg.SaveDelay, status.Push)
	scheduler.SetOnFlush(s.afterRemoteSave)
	controller := engine.NewController(provider, loader, scheduler, s.cache, s.remote,
		s.cfg.AnonSettle, s.cfg.UndoWindow, status.Push)
	return &clientRecord{
		expiresAt:  time.Now().Add(s.clientTTL),
		provider:   provider,
		controller: controller,
		status:     status,
	}
}

// afterRemoteSave fans a successful remote write out to the search
// index and the snapshot history. Best effort.
func (s *Service) afterRemoteSave(uid string, st roster.Store) {
	if s.search != nil {
		s.search.IndexRoster(uid, st)
	}
	if s.snapshots != nil {
		_ = s.snapshots.Record(uid, st, "Save roster")
	}
}

func (s *Service) lookupClient(uid string) (*clientRecord, bool) {
	now := time.Now()
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for key, record := range s.clients {
		if now.After(record.expiresAt) {
			go record.controller.Shutdown(context.Background())
			delete(s.clients, key)
		}
	}
	record, ok := s.clients[uid]
	if !ok {
		return nil, false
	}
	record.expiresAt = now.Add(s.clientTTL)
	return record, true
}

func (s *Service) registerClient(uid string, record *clientRecord) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	record.expiresAt = time.Now().Add(s.clientTTL)
	s.clients[uid] = record
}

func (s *Service) dropClient(uid string) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	delete(s.clients, uid)
}

// statusBuffer retains the most recent engine notices for a client.
type statusBuffer struct {
	mu       sync.Mutex
	messages []string
}

func newStatusBuffer() *statusBuffer {
	return &statusBuffer{}
}

func (b *statusBuffer) Push(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, message)
	if len(b.messages) > 20 {
		b.messages = b.messages[len(b.messages)-20:]
	}
}

func (b *statusBuffer) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.messages))
	copy(out, b.messages)
	return out
}
