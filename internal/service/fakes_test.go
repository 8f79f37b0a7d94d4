package service

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/provider"
	"github.com/loopcrm/integrations/internal/queue"
	"github.com/loopcrm/integrations/internal/repository"
)

// fakeEngine is a reversible stand-in for the envelope engine: it
// prefixes plaintext instead of encrypting.
type fakeEngine struct {
	encErr  error
	decErr  error
	version int

	encryptCalls int
}

var _ EnvelopeEngine = (*fakeEngine)(nil)

const fakeEnvPrefix = "env:"

func (f *fakeEngine) Encrypt(_ context.Context, _ uuid.UUID, plaintext []byte, _ string) ([]byte, error) {
	f.encryptCalls++
	if f.encErr != nil {
		return nil, f.encErr
	}
	return append([]byte(fakeEnvPrefix), plaintext...), nil
}

func (f *fakeEngine) Decrypt(_ context.Context, _ uuid.UUID, blob []byte, _ string) ([]byte, error) {
	if f.decErr != nil {
		return nil, f.decErr
	}
	return blob[len(fakeEnvPrefix):], nil
}

func (f *fakeEngine) KeyVersion(context.Context, uuid.UUID) (int, error) {
	return f.version, nil
}

type fakeTokenRepo struct {
	mu   sync.Mutex
	rows map[string]*model.SecureToken
	refs []string // insertion order

	createErr  error
	getRefsErr error
}

var _ repository.TokenRepository = (*fakeTokenRepo)(nil)

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{rows: map[string]*model.SecureToken{}}
}

func (f *fakeTokenRepo) Create(_ context.Context, t *model.SecureToken) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := *t
	f.rows[t.TokenRef] = &cpy
	f.refs = append(f.refs, t.TokenRef)
	return nil
}

func (f *fakeTokenRepo) GetByRef(_ context.Context, ref string) (*model.SecureToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[ref]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *row
	return &cpy, nil
}

func (f *fakeTokenRepo) GetByRefs(_ context.Context, refs []string) ([]*model.SecureToken, error) {
	if f.getRefsErr != nil {
		return nil, f.getRefsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.SecureToken
	for _, ref := range refs {
		if row, ok := f.rows[ref]; ok {
			cpy := *row
			out = append(out, &cpy)
		}
	}
	return out, nil
}

func (f *fakeTokenRepo) MarkEncrypted(_ context.Context, ref string, blob []byte, method model.EncryptionMethod, keyVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[ref]
	if !ok {
		return errs.ErrNotFound
	}
	row.EncryptedTokenBlob = append([]byte(nil), blob...)
	row.EncryptionStatus = model.EncryptionOK
	row.EncryptionMethod = method
	row.KeyVersion = keyVersion
	row.KmsErrorCode = ""
	row.KmsErrorAt = nil
	row.RetryCount++
	return nil
}

func (f *fakeTokenRepo) MarkFailed(_ context.Context, ref, code string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[ref]
	if !ok {
		return errs.ErrNotFound
	}
	row.EncryptionStatus = model.EncryptionFailed
	row.KmsErrorCode = code
	row.KmsErrorAt = &at
	row.RetryCount++
	return nil
}

func (f *fakeTokenRepo) ListFallbackEncrypted(_ context.Context, limit int) ([]*model.SecureToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.SecureToken
	for _, ref := range f.refs {
		row := f.rows[ref]
		if row.EncryptionStatus == model.EncryptionOK && row.EncryptionMethod == model.MethodFallback {
			cpy := *row
			out = append(out, &cpy)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type statusUpdate struct {
	status model.AccountStatus
	reason string
}

type fakeAccountRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.IntegrationAccount

	statusUpdates map[uuid.UUID][]statusUpdate
	encUpdates    map[uuid.UUID][]model.EncryptionStatus
	historyIDs    map[uuid.UUID]string

	getErr    error
	upsertErr error
}

var _ repository.AccountRepository = (*fakeAccountRepo)(nil)

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		rows:          map[uuid.UUID]*model.IntegrationAccount{},
		statusUpdates: map[uuid.UUID][]statusUpdate{},
		encUpdates:    map[uuid.UUID][]model.EncryptionStatus{},
		historyIDs:    map[uuid.UUID]string{},
	}
}

func (f *fakeAccountRepo) put(a *model.IntegrationAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := *a
	f.rows[a.ID] = &cpy
}

func (f *fakeAccountRepo) Upsert(_ context.Context, a *model.IntegrationAccount) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.put(a)
	return nil
}

func (f *fakeAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*model.IntegrationAccount, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *row
	return &cpy, nil
}

func (f *fakeAccountRepo) ListByOrg(_ context.Context, orgID uuid.UUID) ([]*model.IntegrationAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.IntegrationAccount
	for _, row := range f.rows {
		if row.OrgID == orgID {
			cpy := *row
			out = append(out, &cpy)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) ListAll(context.Context) ([]*model.IntegrationAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.IntegrationAccount
	for _, row := range f.rows {
		cpy := *row
		out = append(out, &cpy)
	}
	return out, nil
}

func (f *fakeAccountRepo) UpdateStatus(_ context.Context, id uuid.UUID, status model.AccountStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	row.Status = status
	row.ErrorReason = reason
	f.statusUpdates[id] = append(f.statusUpdates[id], statusUpdate{status, reason})
	return nil
}

func (f *fakeAccountRepo) UpdateEncryptionStatus(_ context.Context, id uuid.UUID, status model.EncryptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	row.EncryptionStatus = status
	f.encUpdates[id] = append(f.encUpdates[id], status)
	return nil
}

func (f *fakeAccountRepo) UpdateChannel(_ context.Context, id uuid.UUID, channelID, resourceID string, expiration, renewalDue *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	row.ChannelID = channelID
	row.ChannelResourceID = resourceID
	row.ChannelExpiration = expiration
	row.RenewalDue = renewalDue
	return nil
}

func (f *fakeAccountRepo) UpdateHistoryID(_ context.Context, id uuid.UUID, historyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	row.HistoryID = historyID
	f.historyIDs[id] = historyID
	return nil
}

func (f *fakeAccountRepo) ListRenewalDue(_ context.Context, now time.Time, limit int) ([]*model.IntegrationAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.IntegrationAccount
	for _, row := range f.rows {
		if row.RenewalDue != nil && !row.RenewalDue.After(now) {
			cpy := *row
			out = append(out, &cpy)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeOrgRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.Org

	createErr error
}

var _ repository.OrgRepository = (*fakeOrgRepo)(nil)

func newFakeOrgRepo() *fakeOrgRepo {
	return &fakeOrgRepo{rows: map[uuid.UUID]*model.Org{}}
}

func (f *fakeOrgRepo) Create(_ context.Context, org *model.Org) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rows[org.ID]; exists {
		return errs.ErrAlreadyExists
	}
	cpy := *org
	f.rows[org.ID] = &cpy
	return nil
}

func (f *fakeOrgRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Org, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *org
	return &cpy, nil
}

type auditEvent struct {
	orgID     uuid.UUID
	accountID uuid.UUID
	event     string
}

type fakeAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

var _ repository.AuditRepository = (*fakeAudit)(nil)

func (f *fakeAudit) Append(_ context.Context, orgID, accountID uuid.UUID, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, auditEvent{orgID, accountID, event})
	return nil
}

func (f *fakeAudit) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.event == event {
			return true
		}
	}
	return false
}

type fakeGoogle struct {
	gmailErr    error
	calendarErr error
	profile     *provider.GmailProfile
	profileErr  error
	watchInfo   model.ChannelInfo
	watchErr    error
	stopErr     error

	gmailCalls    int
	calendarCalls int
	watchCalls    int
	stopCalls     int
}

var _ provider.GoogleAPI = (*fakeGoogle)(nil)

func (f *fakeGoogle) ProbeGmail(context.Context, string) error {
	f.gmailCalls++
	return f.gmailErr
}

func (f *fakeGoogle) ProbeCalendar(context.Context, string) error {
	f.calendarCalls++
	return f.calendarErr
}

func (f *fakeGoogle) FetchGmailProfile(context.Context, string) (*provider.GmailProfile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	if f.profile == nil {
		return &provider.GmailProfile{HistoryID: "h1"}, nil
	}
	return f.profile, nil
}

func (f *fakeGoogle) WatchEvents(context.Context, string, string, string) (model.ChannelInfo, error) {
	f.watchCalls++
	return f.watchInfo, f.watchErr
}

func (f *fakeGoogle) StopChannel(context.Context, string, string, string) error {
	f.stopCalls++
	return f.stopErr
}

// fakeQueue records enqueued work; it satisfies QueueProducer and
// RenewalScheduler.
type fakeQueue struct {
	mu         sync.Mutex
	encrypts   []queue.EncryptTokenPayload
	syncs      []queue.StartSyncPayload
	probes     []queue.HealthProbePayload
	renewals   []queue.WebhookRenewalPayload
	delays     []time.Duration
	encryptErr error
	syncErr    error
	probeErr   error
	renewErr   error
}

var (
	_ QueueProducer    = (*fakeQueue)(nil)
	_ RenewalScheduler = (*fakeQueue)(nil)
)

func (f *fakeQueue) EnqueueTokenEncryption(_ context.Context, p queue.EncryptTokenPayload) error {
	if f.encryptErr != nil {
		return f.encryptErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encrypts = append(f.encrypts, p)
	return nil
}

func (f *fakeQueue) EnqueueInitialSync(_ context.Context, p queue.StartSyncPayload) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, p)
	return nil
}

func (f *fakeQueue) EnqueueHealthProbe(_ context.Context, p queue.HealthProbePayload) error {
	if f.probeErr != nil {
		return f.probeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, p)
	return nil
}

func (f *fakeQueue) EnqueueWebhookRenewal(_ context.Context, p queue.WebhookRenewalPayload, delay time.Duration) error {
	if f.renewErr != nil {
		return f.renewErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, p)
	f.delays = append(f.delays, delay)
	return nil
}

type fakeKMSClient struct {
	dek     []byte
	wrapped []byte
	version int
	genErr  error
}

func (f *fakeKMSClient) GenerateDEK(context.Context, string) ([]byte, []byte, int, error) {
	if f.genErr != nil {
		return nil, nil, 0, f.genErr
	}
	return f.dek, f.wrapped, f.version, nil
}

func (f *fakeKMSClient) DecryptDEK(context.Context, []byte) ([]byte, error) {
	return f.dek, nil
}

type fakeTokenSource struct {
	data model.TokenData
	err  error
}

var _ TokenSource = (*fakeTokenSource)(nil)

func (f *fakeTokenSource) GetTokens(context.Context, []string) (model.TokenData, error) {
	return f.data, f.err
}

type syncRequest struct {
	orgID     uuid.UUID
	accountID uuid.UUID
	provider  model.Provider
}

type fakeSyncer struct {
	mu       sync.Mutex
	requests []syncRequest
	err      error
}

var _ Syncer = (*fakeSyncer)(nil)

func (f *fakeSyncer) StartInitialSync(_ context.Context, orgID, accountID uuid.UUID, p model.Provider) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, syncRequest{orgID, accountID, p})
	return nil
}
