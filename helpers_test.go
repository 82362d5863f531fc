package vscu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/database"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryStore is an in-memory datastore with the same claim and sequence
// rules as the Postgres one.
type memoryStore struct {
	mu      sync.Mutex
	clock   *testClock
	nextID  int64
	records map[string]*model.SubmissionRecord
	devices map[crypto.LookupSealed]*model.Device
}

var _ database.IDataSource = (*memoryStore)(nil)

func newMemoryStore(clock *testClock) *memoryStore {
	return &memoryStore{
		clock:   clock,
		records: make(map[string]*model.SubmissionRecord),
		devices: make(map[crypto.LookupSealed]*model.Device),
	}
}

func clone(r *model.SubmissionRecord) *model.SubmissionRecord {
	c := *r
	return &c
}

func (m *memoryStore) record(id string) *model.SubmissionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.records[id])
}

func (m *memoryStore) InsertSubmissions(ctx context.Context, records []*model.SubmissionRecord) ([]*model.SubmissionRecord, error) {
	if len(records) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "empty batch", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next, _ := m.nextSequenceLocked(records[0].TenantKey, records[0].Kind)
	now := m.clock.Now()
	for _, r := range records {
		m.nextID++
		r.ID = m.nextID
		r.SequenceNo = next
		r.Version = 1
		if r.RetryBudget < 1 {
			r.RetryBudget = model.MaxRetries
		}
		r.CreatedAt = now
		r.UpdatedAt = now
		next++
		m.records[r.RecordID] = clone(r)
	}
	return records, nil
}

func (m *memoryStore) nextSequenceLocked(tenant crypto.LookupSealed, kind model.DocumentKind) (int64, error) {
	var max int64
	for _, r := range m.records {
		if r.TenantKey == tenant && r.Kind == kind && r.SequenceNo > max {
			max = r.SequenceNo
		}
	}
	return max + 1, nil
}

func (m *memoryStore) NextSequence(ctx context.Context, _ database.Querier, tenant crypto.LookupSealed, kind model.DocumentKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequenceLocked(tenant, kind)
}

func (m *memoryStore) GetSubmission(ctx context.Context, recordID string) (*model.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", model.ErrRecordNotFound)
	}
	return clone(r), nil
}

func (m *memoryStore) ListSubmissions(ctx context.Context, filter model.SubmissionFilter) ([]*model.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SubmissionRecord
	for _, r := range m.records {
		if r.TenantKey != filter.TenantKey {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo > out[j].SequenceNo })
	return out, nil
}

func (m *memoryStore) ClaimSubmission(ctx context.Context, recordID string, expected model.Status, expectedVersion int64, now time.Time) (*model.SubmissionRecord, error) {
	if err := model.CheckTransition(expected, model.StatusProcessing); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok || r.Status != expected || r.Version != expectedVersion {
		return nil, fmt.Errorf("claim %s: %w", recordID, model.ErrClaimLost)
	}
	r.Status = model.StatusProcessing
	r.Version++
	r.LastAttemptAt = &now
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *memoryStore) MarkTransmitted(ctx context.Context, recordID string, claimVersion int64, response json.RawMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok || r.Status != model.StatusProcessing || r.Version != claimVersion {
		return fmt.Errorf("resolve %s: %w", recordID, model.ErrClaimLost)
	}
	r.Status = model.StatusTransmitted
	if response != nil {
		r.UpstreamResponse = response
	}
	r.NextRetryAt = nil
	r.Version++
	r.UpdatedAt = now
	return nil
}

func (m *memoryStore) MarkFailed(ctx context.Context, recordID string, claimVersion int64, update model.FailureUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok || r.Status != model.StatusProcessing || r.Version != claimVersion {
		return fmt.Errorf("resolve %s: %w", recordID, model.ErrClaimLost)
	}
	r.Status = model.StatusFailed
	r.RetryCount = update.RetryCount
	r.NextRetryAt = update.NextRetryAt
	r.LastError = update.LastError
	if update.Response != nil {
		r.UpstreamResponse = update.Response
	}
	r.Version++
	r.UpdatedAt = update.At
	return nil
}

func (m *memoryStore) GetRetryCandidates(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]*model.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SubmissionRecord
	for _, r := range m.records {
		if r.RetryCount >= r.RetryBudget {
			continue
		}
		due := r.Status == model.StatusFailed && (r.NextRetryAt == nil || !r.NextRetryAt.After(now))
		stale := (r.Status == model.StatusReceived || r.Status == model.StatusProcessing) && r.UpdatedAt.Before(staleBefore)
		if due || stale {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantKey != out[j].TenantKey {
			return out[i].TenantKey < out[j].TenantKey
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].SequenceNo < out[j].SequenceNo
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) RearmSubmission(ctx context.Context, recordID string, grant int, now time.Time) (*model.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "not found", model.ErrRecordNotFound)
	}
	if r.Status != model.StatusFailed || r.RetryCount < r.RetryBudget {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "has not exhausted its retries", nil)
	}
	r.RetryBudget = r.RetryCount + grant
	r.NextRetryAt = nil
	r.Version++
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *memoryStore) CreateDevice(ctx context.Context, d *model.Device) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.APIKey]; ok {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Device is already registered", nil)
	}
	m.nextID++
	d.ID = m.nextID
	d.DeviceID = model.GenerateUUIDWithSuffix("dev")
	d.CreatedAt = m.clock.Now()
	c := *d
	m.devices[d.APIKey] = &c
	return d, nil
}

func (m *memoryStore) GetDeviceByAPIKey(ctx context.Context, apiKey crypto.LookupSealed) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[apiKey]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Invalid API key", nil)
	}
	c := *d
	return &c, nil
}

func (m *memoryStore) DeviceSerialExists(ctx context.Context, serial crypto.LookupSealed) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceSerial == serial {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) PinExistsInEnvironment(ctx context.Context, pin crypto.LookupSealed, environment string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Pin == pin && d.EnvironmentName == environment {
			return true, nil
		}
	}
	return false, nil
}

func testCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	codec, err := crypto.NewCodec(bytes.Repeat([]byte("k"), crypto.OpaqueKeySize), bytes.Repeat([]byte("0123456789abcdef"), 4))
	require.NoError(t, err)
	return codec
}

func testConfig(upstreamURL string) *config.Configuration {
	return &config.Configuration{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  5,
			SalesPath:       "/trnsSales/saveSales",
			StockMasterPath: "/stockMaster/saveStockMaster",
			ItemsPath:       "/items/saveItems",
			SuccessCodes:    []string{"000"},
		},
		Retry: config.RetryConfig{
			IntervalSeconds:     30,
			MaxRetries:          5,
			BackoffBaseSeconds:  60,
			ClaimTimeoutSeconds: 600,
			BatchSize:           100,
			MaxWorkers:          4,
		},
	}
}

type testEnv struct {
	svc   *Service
	store *memoryStore
	clock *testClock
	codec *crypto.Codec
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	clock := newTestClock()
	store := newMemoryStore(clock)
	codec := testCodec(t)
	svc := newService(store, testConfig(upstreamURL), codec, nil)
	svc.now = clock.Now
	return &testEnv{svc: svc, store: store, clock: clock, codec: codec}
}

// caller builds a sealed identity for a tenant whose api key is key.
func (e *testEnv) caller(t *testing.T, key string) *model.CallerIdentity {
	t.Helper()
	tenant, err := e.codec.SealLookup(key)
	require.NoError(t, err)
	tin, err := e.codec.SealLookup("P051234567X")
	require.NoError(t, err)
	bhf, err := e.codec.SealLookup("00")
	require.NoError(t, err)
	return &model.CallerIdentity{DeviceID: "dev_" + key, TenantKey: tenant, Tin: tin, BhfID: bhf}
}

// syncDispatcher performs first attempts on the calling goroutine.
type syncDispatcher struct{ svc *Service }

func (d syncDispatcher) Dispatch(ctx context.Context, recordIDs []string) {
	for _, id := range recordIDs {
		_ = d.svc.ProcessSubmission(ctx, id)
	}
}

func stockItem(code string) string {
	return fmt.Sprintf(`{"itemCd":%q,"rsdQty":12.5,"regrNm":"Admin","regrId":"admin","modrNm":"Admin","modrId":"admin"}`, code)
}

func stockBatch(codes ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, c := range codes {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString(stockItem(c))
	}
	buf.WriteString("]")
	return buf.Bytes()
}

func saleInvoice(trdInvcNo int) string {
	return fmt.Sprintf(`{"trdInvcNo":%d,"orgInvcNo":0,"salesTyCd":"N","rcptTyCd":"S","pmtTyCd":"01","salesSttsCd":"02",
		"cfmDt":"20250301101500","salesDt":"20250301","totItemCnt":1,"taxblAmtB":100,"taxRtB":16,"taxAmtB":13.79,
		"totTaxblAmt":100,"totTaxAmt":13.79,"totAmt":100,"prchrAcptcYn":"N",
		"regrId":"admin","regrNm":"Admin","modrId":"admin","modrNm":"Admin",
		"receipt":{"rptNo":1,"prchrAcptcYn":"N"},
		"itemList":[{"itemSeq":1,"itemCd":"KE1NTXU0000001","itemClsCd":"5059690800","itemNm":"Bread",
			"pkgUnitCd":"NT","pkg":1,"qtyUnitCd":"U","qty":2,"prc":50,"splyAmt":100,"dcRt":0,"dcAmt":0,
			"taxTyCd":"B","taxblAmt":100,"taxAmt":13.79,"totAmt":100}]}`, trdInvcNo)
}

func saleBatch(trdInvcNos ...int) []byte {
	docs := make([]string, len(trdInvcNos))
	for i, n := range trdInvcNos {
		docs[i] = saleInvoice(n)
	}
	return []byte("[" + strings.Join(docs, ",") + "]")
}
